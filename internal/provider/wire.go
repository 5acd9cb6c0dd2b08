package provider

// Request shape we send to upstream (OpenRouter chat completions).
type wireRequest struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	Modalities  []string         `json:"modalities"`
	Stream      bool             `json:"stream"`
	ImageConfig *wireImageConfig `json:"image_config,omitempty"`
}

type wireMessage struct {
	Role    string     `json:"role"`
	Content []wirePart `json:"content"`
}

// wirePart is one multimodal content part: text or image_url.
type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireImageConfig struct {
	AspectRatio string `json:"aspect_ratio,omitempty"`
	ImageSize   string `json:"image_size,omitempty"`
}

type wireResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Error   *wireError `json:"error,omitempty"`
	Choices []struct {
		FinishReason string `json:"finish_reason,omitempty"`
		Message      struct {
			Role    string `json:"role"`
			Content string `json:"content"`
			Images  []struct {
				Type     string       `json:"type"`
				ImageURL wireImageURL `json:"image_url"`
			} `json:"images"`
		} `json:"message"`
	} `json:"choices"`
}

type wireError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code"`
}

type wireErrorResponse struct {
	Error wireError `json:"error"`
}
