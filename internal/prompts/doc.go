// Package prompts contains the LLM prompt text MIMIR composes at runtime.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. The persona itself is user configuration and lives in the persona
// file; this package holds the instructions wrapped around it (tone
// modifiers, page digests, journal narratives, the daily briefing).
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
