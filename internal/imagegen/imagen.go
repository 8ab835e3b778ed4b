package imagegen

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const DefaultImagenModel = "imagen-3.0-generate-002"

// Imagen generates images with Google Imagen through the Gemini API.
type Imagen struct {
	client *genai.Client
	model  string
}

// NewImagen creates an Imagen client authenticated with a Gemini API key.
func NewImagen(ctx context.Context, apiKey, model string) (*Imagen, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		model = DefaultImagenModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Imagen{client: client, model: model}, nil
}

var _ Generator = (*Imagen)(nil)

func (g *Imagen) Generate(ctx context.Context, prompt string) (*Image, error) {
	resp, err := g.client.Models.GenerateImages(ctx, g.model, prompt, &genai.GenerateImagesConfig{
		NumberOfImages:   1,
		IncludeRAIReason: true,
	})
	if err != nil {
		return nil, &Error{Provider: "imagen", Message: err.Error(), Temporary: true}
	}
	if len(resp.GeneratedImages) == 0 {
		return nil, &Error{Provider: "imagen", Message: "no image returned"}
	}
	generated := resp.GeneratedImages[0]
	if generated.Image == nil || len(generated.Image.ImageBytes) == 0 {
		msg := "empty image returned"
		if generated.RAIFilteredReason != "" {
			msg = "prompt blocked: " + generated.RAIFilteredReason
		}
		return nil, &Error{Provider: "imagen", Message: msg}
	}
	contentType := generated.Image.MIMEType
	if contentType == "" {
		contentType = "image/png"
	}
	return &Image{Data: generated.Image.ImageBytes, ContentType: contentType, Model: g.model}, nil
}
