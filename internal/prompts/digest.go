package prompts

// digestTemplate precedes the readable text of a search result page.
const digestTemplate = "Summarize the following web page content in 2-3 sentences, focusing on the main points:\n\n"

// PageDigest returns the prompt asking for a short summary of a fetched
// web page.
func PageDigest(pageText string) string {
	return digestTemplate + pageText
}
