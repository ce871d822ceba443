package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// transcriptionPrompt is the shared prompt used by all LLM providers. They
// only transcribe; field extraction stays with the heuristic extractor.
const transcriptionPrompt = `You are transcribing a photographed receipt. Carefully read all text in the image and reproduce it line by line, top to bottom, exactly as printed.

Return ONLY valid JSON in this exact format:
{
  "text": "FIRST LINE\nSECOND LINE\n...",
  "confidence": 0.0
}

Important:
- Keep the original line breaks, spelling, numbers, currency symbols and dates
- Do not summarize, correct or reorder anything
- "confidence" is a number from 0 to 1 describing how legible the receipt was
- If no text is readable, return an empty "text"
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

const transcriptionSystemMessage = "You are an expert at reading receipts and invoices. You must carefully read all text in images and transcribe it accurately."

// transcript is the JSON answer expected from an LLM engine
type transcript struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

// parseTranscriptJSON parses the JSON response from an LLM engine
func parseTranscriptJSON(text string) (*transcript, error) {
	// Remove markdown code blocks if present
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var data transcript
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data.Text = strings.TrimSpace(strings.ReplaceAll(data.Text, "\r\n", "\n"))

	if data.Confidence != nil {
		c := *data.Confidence
		// some models answer in percent
		if c > 1 && c <= 100 {
			c /= 100
		}
		if c < 0 || c > 1 {
			c = 0
		}
		data.Confidence = &c
	}

	return &data, nil
}

// confidence returns the reported confidence, zero when there was none
func (t *transcript) confidence() float64 {
	if t.Confidence == nil {
		return 0
	}
	return *t.Confidence
}
