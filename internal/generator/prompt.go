package generator

import (
	"strings"
)

// SystemPrompt is sent as the system instruction on every provider call.
const SystemPrompt = "You are an expert Python web scraping developer. Generate clean, production-ready code only."

const promptHeader = `
You are an expert Python web scraping developer. Create a robust, production-ready web scraping script that:

1. Scrapes the data from: %URL%
2. Extracts the following fields: %FIELDS%
3. Handles errors gracefully
4. Includes proper rate limiting and anti-detection measures
5. Outputs data in JSON format

`

const promptRequirements = `
Requirements:
- Use BeautifulSoup4 for HTML parsing
- Include error handling and retries
- Add random delays between requests to avoid being blocked
- Use requests with proper headers (User-Agent, etc.)
- Include data validation
- Handle pagination if needed
- Return data as a list of dictionaries
- Use type hints
- Follow Python best practices
- Add logging
- Read the target URL from the TARGET_URL environment variable when it is set
- Write the results to the path in the OUTPUT_FILE environment variable and exit with status 0 on success

Please provide the complete Python script code only, without explanations.
`

// BuildPrompt renders the generation prompt for url and fields.
// description, when non-empty, is appended as additional requirements.
func BuildPrompt(url string, fields []string, description string) string {
	var b strings.Builder
	header := strings.NewReplacer("%URL%", url, "%FIELDS%", strings.Join(fields, ", ")).Replace(promptHeader)
	b.WriteString(header)
	if d := strings.TrimSpace(description); d != "" {
		b.WriteString("Additional requirements: ")
		b.WriteString(d)
		b.WriteString("\n")
	}
	b.WriteString(promptRequirements)
	return b.String()
}

// ExtractCode strips a surrounding Markdown code fence from a completion.
// A leading fence may carry a language tag ("```python"); a trailing fence
// is removed when present. Text without fences is only trimmed.
func ExtractCode(response string) string {
	s := strings.TrimSpace(response)

	if rest, ok := strings.CutPrefix(s, "```"); ok {
		firstLine, body, hasNewline := strings.Cut(rest, "\n")
		if hasNewline && isLanguageTag(firstLine) {
			s = body
		} else {
			s = rest
		}
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isLanguageTag(s string) bool {
	s = strings.TrimRight(s, " \t\r")
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '+' || r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
