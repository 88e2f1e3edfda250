package similarity

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// GeminiEmbedder 通过 Vertex AI 的 Gemini 向量接口实现 Embedder。
type GeminiEmbedder struct {
	client      *genai.Client
	model       string
	callTimeout time.Duration
}

// NewGeminiEmbedder 创建 Gemini 向量客户端。
// 凭证走 Application Default Credentials，这里只需要项目和区域。
func NewGeminiEmbedder(ctx context.Context, project, location, model string, callTimeout time.Duration) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  project,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &GeminiEmbedder{client: client, model: model, callTimeout: callTimeout}, nil
}

// Embed 请求一段文本的向量。
func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	resp, err := g.client.Models.EmbedContent(ctx, g.model, genai.Text(text), &genai.EmbedContentConfig{})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embed content: empty embedding in response")
	}
	return resp.Embeddings[0].Values, nil
}
