package prompts

// Tone bands for the personality intensity slider (0-100).
const (
	toneSubtle = "\n\nIMPORTANT: Respond in a subtle, professional tone. Minimize Norse references and macho attitude. " +
		"Be helpful and direct."
	toneBalanced = "\n\nIMPORTANT: Use a balanced tone with occasional Norse references. " +
		"Be professional but with some personality."
	toneFull = "\n\nIMPORTANT: Use your full Norse persona with metaphors and powerful tone, " +
		"but keep it grounded and helpful."
	toneMaximum = "\n\nIMPORTANT: MAXIMUM NORSE MODE. Full macho god attitude, heavy use of Norse metaphors, " +
		"Yggdrasil, the nine realms, and powerful declarations. Be dramatic and imposing while still being helpful."
)

// Tone returns the instruction appended to every user-role message of a
// turn for the given personality intensity.
func Tone(intensity int) string {
	switch {
	case intensity <= 25:
		return toneSubtle
	case intensity <= 50:
		return toneBalanced
	case intensity <= 75:
		return toneFull
	default:
		return toneMaximum
	}
}
