package prompts

import (
	"fmt"
	"strings"
)

// planTemplate opens a signed-in user's day. Format verbs: (1) display
// name, (2) gathered sections, (3) extra instructions.
const planTemplate = `User '%s' has just signed in.
You are initiating the "Planning the Day" sequence.

Here is the information you have gathered:

%s

Task:
1. Welcome the user back warmly (using your Norse persona).
2. Present the news highlights related to their preferences (if any).
3. Review their upcoming calendar events.
4. Present the weather forecast (if available).
5. Ask if they would like to know more about any of these topics or if they need help planning their day further.%s

Keep it concise but engaging. Do not just list things; weave them into a narrative.`

// missingHomeCity is added when weather could not be gathered because
// the user never named a home city.
const missingHomeCity = "\nIMPORTANT: The user has not set a home city. You MUST ask them for their home city " +
	"so you can provide weather updates in the future. Use the 'set_home_city' tool if they provide it."

// PlanDay returns the briefing prompt. Empty sections are left out.
func PlanDay(displayName, news, calendar, weather string, needHomeCity bool) string {
	var sections []string
	for _, s := range []string{news, calendar, weather} {
		if s = strings.TrimSpace(s); s != "" {
			sections = append(sections, s)
		}
	}
	extra := ""
	if needHomeCity {
		extra = missingHomeCity
	}
	return fmt.Sprintf(planTemplate, displayName, strings.Join(sections, "\n\n"), extra)
}
