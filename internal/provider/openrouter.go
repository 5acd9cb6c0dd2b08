package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"wardrobe-render/internal/render"
)

const maxRequestSize = 32 * 1024 * 1024 // 32MB total JSON payload, images included

func (c *client) Generate(parentCtx context.Context, req Request) (*Output, error) {
	start := time.Now()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &render.Error{Kind: render.KindProviderRejected, Provider: c.cfg.Name,
			Rejection: render.RejectInvalidRequest, Msg: "prompt is required"}
	}
	model := c.cfg.model(req.Options.Quality)

	// Per-call timeout (0 = only use parentCtx)
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.Timeout)
	defer cancel()

	bodyBytes, err := json.Marshal(c.buildRequest(model, req))
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}
	if len(bodyBytes) > maxRequestSize {
		return nil, &render.Error{Kind: render.KindProviderRejected, Provider: c.cfg.Name,
			Rejection: render.RejectInvalidRequest,
			Msg:       fmt.Sprintf("request too large (%d bytes, max %d)", len(bodyBytes), maxRequestSize)}
	}

	c.logger.Debug("image generation starting",
		zap.String("model", model),
		zap.Int("image_count", len(req.Images)),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("provider: build HTTP request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		rerr := classifyTransport(c.cfg.Name, err)
		c.logger.Error("image generation transport error",
			zap.String("model", model),
			zap.String("kind", rerr.Kind.String()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return nil, rerr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxImageBytes*2))
	if err != nil {
		return nil, classifyTransport(c.cfg.Name, err)
	}

	// Handle non-2xx responses
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := truncate(strings.TrimSpace(string(respBody)), 200)
		var perr wireErrorResponse
		if err := json.Unmarshal(respBody, &perr); err == nil && perr.Error.Message != "" {
			msg = perr.Error.Message
		}
		rerr := classifyStatus(c.cfg.Name, resp, msg)
		c.logger.Error("image provider error",
			zap.String("model", model),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", rerr.Kind.String()),
			zap.String("rejection", string(rerr.Rejection)),
			zap.String("error_message", msg),
		)
		return nil, rerr
	}

	var parsed wireResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &render.Error{Kind: render.KindProviderServerError, Provider: c.cfg.Name,
			Status: resp.StatusCode, Msg: "decode upstream response", Err: err}
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		// errors delivered with a 200 carry their real status in code
		status := resp.StatusCode
		if code, ok := parsed.Error.Code.(float64); ok && code >= 400 {
			status = int(code)
		}
		shadow := &http.Response{StatusCode: status, Header: resp.Header}
		return nil, classifyStatus(c.cfg.Name, shadow, parsed.Error.Message)
	}

	imageURL := firstImageURL(&parsed)
	if imageURL == "" {
		reason := "no image in response"
		if len(parsed.Choices) > 0 && parsed.Choices[0].Message.Content != "" {
			reason = "no image in response: " + truncate(parsed.Choices[0].Message.Content, 200)
		}
		if len(parsed.Choices) > 0 && isContentPolicy(strings.ToLower(parsed.Choices[0].FinishReason)) {
			return nil, &render.Error{Kind: render.KindProviderRejected, Provider: c.cfg.Name,
				Rejection: render.RejectContentPolicy, Msg: reason}
		}
		return nil, &render.Error{Kind: render.KindProviderServerError, Provider: c.cfg.Name, Msg: reason}
	}

	var data []byte
	var mimeType string
	if strings.HasPrefix(imageURL, "data:") {
		data, mimeType, err = decodeDataURL(imageURL)
	} else {
		data, mimeType, err = c.download(ctx, imageURL)
	}
	if err != nil {
		return nil, err
	}

	usedModel := parsed.Model
	if usedModel == "" {
		usedModel = model
	}

	c.logger.Info("image generation completed",
		zap.String("model", usedModel),
		zap.Int("bytes", len(data)),
		zap.String("mime_type", mimeType),
		zap.Duration("duration", time.Since(start)),
	)

	return &Output{Data: data, MIMEType: mimeType, Model: usedModel}, nil
}

func (c *client) buildRequest(model string, req Request) wireRequest {
	parts := make([]wirePart, 0, len(req.Images)+1)
	parts = append(parts, wirePart{Type: "text", Text: req.Prompt})
	for _, img := range req.Images {
		mt := img.MIMEType
		if mt == "" {
			mt = http.DetectContentType(img.Data)
		}
		parts = append(parts, wirePart{
			Type:     "image_url",
			ImageURL: &wireImageURL{URL: "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(img.Data)},
		})
	}

	var imgCfg *wireImageConfig
	if req.Options.AspectRatio != "" || req.Options.ImageSize != "" {
		imgCfg = &wireImageConfig{
			AspectRatio: req.Options.AspectRatio,
			ImageSize:   req.Options.ImageSize,
		}
	}

	return wireRequest{
		Model:       model,
		Messages:    []wireMessage{{Role: "user", Content: parts}},
		Modalities:  []string{"image", "text"},
		Stream:      false,
		ImageConfig: imgCfg,
	}
}

func firstImageURL(r *wireResponse) string {
	for _, ch := range r.Choices {
		for _, img := range ch.Message.Images {
			if u := strings.TrimSpace(img.ImageURL.URL); u != "" {
				return u
			}
		}
	}
	return ""
}

func (c *client) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &render.Error{Kind: render.KindProviderServerError, Provider: c.cfg.Name,
			Msg: "bad image url", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", classifyTransport(c.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", &render.Error{Kind: render.KindProviderServerError, Provider: c.cfg.Name,
			Status: resp.StatusCode, Msg: "download image: " + strings.TrimSpace(string(body))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxImageBytes+1))
	if err != nil {
		return nil, "", classifyTransport(c.cfg.Name, err)
	}
	if int64(len(data)) > c.cfg.MaxImageBytes {
		return nil, "", &render.Error{Kind: render.KindProviderServerError, Provider: c.cfg.Name,
			Msg: "downloaded image too large"}
	}
	mt := strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0])
	if !strings.HasPrefix(mt, "image/") {
		mt = http.DetectContentType(data)
	}
	return data, mt, nil
}

var errBadDataURL = errors.New("malformed data url")

func decodeDataURL(dataURL string) ([]byte, string, error) {
	const marker = ";base64,"
	idx := strings.Index(dataURL, marker)
	if !strings.HasPrefix(dataURL, "data:") || idx < 0 {
		return nil, "", &render.Error{Kind: render.KindProviderServerError, Err: errBadDataURL}
	}

	mt := strings.TrimPrefix(dataURL[:idx], "data:")
	raw, err := base64.StdEncoding.DecodeString(dataURL[idx+len(marker):])
	if err != nil {
		return nil, "", &render.Error{Kind: render.KindProviderServerError, Msg: "decode image base64", Err: err}
	}
	if mt == "" {
		mt = http.DetectContentType(raw)
	}
	return raw, mt, nil
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
