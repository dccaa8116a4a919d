package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// invoiceExtractPrompt asks the vision model for the structured fields
// the ingestion engine consumes.
const invoiceExtractPrompt = `You are analyzing a scanned invoice document. Carefully read all text in the image and extract:

1. **Invoice number**: the document's invoice or reference number, exactly as printed (e.g. "INV-100", "2024-0042").
2. **Invoice date**: the issue date, converted to ISO 8601 format (YYYY-MM-DD).
3. **Total amount**: the final amount due as a number (e.g. 250.00 for $250.00).
4. **Currency**: the three-letter currency code if visible (e.g. "USD", "EUR").
5. **Vendor name**: the issuing business's name.
6. **Line items**: every billed line with description, quantity, unit price, and line amount as numbers.
7. **Confidence**: your confidence in the extraction as a number between 0 and 1.

Return ONLY valid JSON in this exact format:
{
  "invoice_number": "...",
  "invoice_date": "YYYY-MM-DD",
  "total_amount": 0.00,
  "currency": "USD",
  "vendor_name": "...",
  "line_items": [
    {"description": "...", "quantity": 1, "unit_price": 0.00, "amount": 0.00}
  ],
  "confidence": 0.0
}

Important:
- All monetary values must be numbers, not strings
- Use null for any field you cannot find
- Lower the confidence when the document is blurry, cropped, or fields are ambiguous
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// Gemini implements the Extractor interface using Google Gemini.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Extractor instance.
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// ExtractInvoice analyzes an invoice document and returns its
// structured fields.
func (g *Gemini) ExtractInvoice(documentData []byte, contentType string) (*InvoiceData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Normalize the document to PNG; the model gets one image format.
	imageData, err := normalizeToPNG(documentData, contentType)
	if err != nil {
		return nil, err
	}

	parts := []genai.Part{
		genai.ImageData("png", imageData),
		genai.Text(invoiceExtractPrompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	data, err := parseInvoiceJSON(responseText.String())
	if err != nil {
		return nil, fmt.Errorf("parsing invoice data: %w", err)
	}
	return data, nil
}

// Close closes the Gemini client.
func (g *Gemini) Close() error {
	return g.client.Close()
}
