package prompts

import "fmt"

// journalTemplate asks for the narrative of a day's journal entry.
// Format verbs: (1) user, (2) the rendered activity log.
const journalTemplate = `You are writing a personal journal entry for %s based on the activity log below.
Write a narrative summary of the day's events, interactions and accomplishments. Use a reflective tone, in the voice of MIMIR chronicling the user's journey. Keep it concise but meaningful.

ACTIVITY LOG:
%s`

// JournalNarrative returns the prompt for summarising one day. activity
// holds one "[timestamp] kind: content" line per log item.
func JournalNarrative(userID, activity string) string {
	return fmt.Sprintf(journalTemplate, userID, activity)
}
