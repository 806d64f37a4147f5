package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

// EmailSender delivers rendered notifications to the mail gateway. Transport
// failures surface to the worker pool, which owns retries; the sender makes
// exactly one HTTP attempt per call.
type EmailSender struct {
	registry *Registry
	logger   types.Logger
	metrics  types.MetricsManager
	client   *http.Client
	gateway  string
	secret   string
}

type EmailPayload struct {
	Template string `json:"template"`
	OrderID  string `json:"order_id,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

func NewEmailSender(registry *Registry, config *types.NotifyConfig, logger types.Logger, metrics types.MetricsManager) *EmailSender {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &EmailSender{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		client:   &http.Client{Timeout: timeout},
		gateway:  config.GatewayURL,
		secret:   config.Secret,
	}
}

// SendEmailHandler is the send_email job handler.
func (s *EmailSender) SendEmailHandler(ctx context.Context, job *types.Job) error {
	var payload EmailPayload
	if err := utils.Unmarshal(job.Payload, &payload); err != nil {
		return types.WrapError(err, "decode email payload")
	}

	endpoints, err := s.registry.EndpointsFor(ChannelEmail, payload.Template)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		s.logger.Debug("No email endpoints for template", zap.String("template", payload.Template))
		return nil
	}

	for _, endpoint := range endpoints {
		if err := s.deliver(ctx, endpoint.Target, payload.Template, map[string]interface{}{
			"template": payload.Template,
			"order_id": payload.OrderID,
			"subject":  payload.Subject,
		}); err != nil {
			return err
		}
	}
	return nil
}

// FailureNoticeHandler is the failure_notice job handler: an operator alert
// about a dead-lettered job. It runs a single attempt.
func (s *EmailSender) FailureNoticeHandler(ctx context.Context, job *types.Job) error {
	var notice map[string]interface{}
	if err := utils.Unmarshal(job.Payload, &notice); err != nil {
		return types.WrapError(err, "decode failure notice")
	}

	endpoints, err := s.registry.EndpointsFor(ChannelOps, "job_failed")
	if err != nil {
		return err
	}

	s.logger.Error("Job failure notice",
		zap.Any("failed_job", notice),
		zap.Int("ops_endpoints", len(endpoints)))

	for _, endpoint := range endpoints {
		if err := s.deliver(ctx, endpoint.Target, "job_failed", notice); err != nil {
			s.logger.Warn("failure notice delivery failed",
				zap.String("target", endpoint.Target), zap.Error(err))
		}
	}
	return nil
}

func (s *EmailSender) deliver(ctx context.Context, recipient, template string, data map[string]interface{}) error {
	start := time.Now()

	body, err := utils.Marshal(map[string]interface{}{
		"recipient": recipient,
		"template":  template,
		"timestamp": time.Now().Unix(),
		"data":      data,
	})
	if err != nil {
		return types.WrapError(err, "marshal email request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gateway, strings.NewReader(string(body)))
	if err != nil {
		return types.WrapError(err, "build email request")
	}

	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("X-Signature", "sha256="+signPayload(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.recordDelivery(template, "http_error", time.Since(start))
		return types.WrapError(err, "email gateway request")
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			s.logger.Error("Failed to close response body", zap.Error(err))
		}
	}(resp.Body)

	if resp.StatusCode >= 400 {
		s.recordDelivery(template, "rejected", time.Since(start))
		return types.Errorf(types.ErrDeliveryRejected, "status %d", resp.StatusCode)
	}

	s.recordDelivery(template, "success", time.Since(start))
	return nil
}

func (s *EmailSender) recordDelivery(template, result string, duration time.Duration) {
	s.metrics.Counter("email_deliveries_total", map[string]string{
		"template": template,
		"result":   result,
	}).Inc()
	s.metrics.Histogram("email_delivery_duration_seconds",
		[]float64{0.05, 0.25, 1.0, 5.0, 15.0},
		map[string]string{"template": template},
	).Observe(duration.Seconds())
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
