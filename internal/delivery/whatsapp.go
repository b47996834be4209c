package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/authgate/authgate/internal/config"
)

// WhatsAppSender delivers codes as template messages through the WhatsApp
// Cloud (Graph) API. The HTTP client carries a bounded timeout so a stuck
// delivery surfaces as an error instead of hanging the send flow.
type WhatsAppSender struct {
	endpoint     string
	accessToken  string
	templateName string
	client       *http.Client
	logger       *logrus.Logger
}

func NewWhatsAppSender(cfg *config.WhatsAppConfig, logger *logrus.Logger) *WhatsAppSender {
	return &WhatsAppSender{
		endpoint:     cfg.Endpoint,
		accessToken:  cfg.AccessToken,
		templateName: cfg.TemplateName,
		client:       &http.Client{Timeout: cfg.Timeout},
		logger:       logger,
	}
}

type whatsappRequest struct {
	MessagingProduct string            `json:"messaging_product"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Template         whatsappTemplate  `json:"template"`
}

type whatsappTemplate struct {
	Name       string              `json:"name"`
	Language   whatsappLanguage    `json:"language"`
	Components []whatsappComponent `json:"components"`
}

type whatsappLanguage struct {
	Code string `json:"code"`
}

type whatsappComponent struct {
	Type       string              `json:"type"`
	SubType    string              `json:"sub_type,omitempty"`
	Index      string              `json:"index,omitempty"`
	Parameters []whatsappParameter `json:"parameters"`
}

type whatsappParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *WhatsAppSender) Send(ctx context.Context, phone, code string) error {
	payload := whatsappRequest{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(phone, "+"),
		Type:             "template",
		Template: whatsappTemplate{
			Name:     s.templateName,
			Language: whatsappLanguage{Code: "en"},
			Components: []whatsappComponent{
				{
					Type:       "body",
					Parameters: []whatsappParameter{{Type: "text", Text: code}},
				},
				{
					Type:       "button",
					SubType:    "url",
					Index:      "0",
					Parameters: []whatsappParameter{{Type: "text", Text: code}},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		s.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(detail),
		}).Error("WhatsApp delivery rejected")
		return fmt.Errorf("whatsapp delivery failed with status %d", resp.StatusCode)
	}

	return nil
}
