package prometheus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/crabzie/clusterforge/internal/core/port"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var _ port.MonitoringService = &monitoringService{}

type monitoringService struct {
	prometheusURL string
	client        *http.Client
	log           *zap.Logger
}

func NewMonitoringService(promURL string, log *zap.Logger) *monitoringService {
	return &monitoringService{
		prometheusURL: promURL,
		client:        &http.Client{Timeout: 5 * time.Second},
		log:           log,
	}
}

// NodeUp reports the exporter's up metric for hostname. A node with no
// series at all is reported down.
func (s *monitoringService) NodeUp(ctx context.Context, hostname string) (bool, error) {
	query := fmt.Sprintf(`up{instance=~"%s(:[0-9]+)?"}`, regexp.QuoteMeta(hostname))
	values, err := s.queryPrometheus(ctx, query)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if v == "1" {
			return true, nil
		}
	}
	s.log.Debug("Node exporter down", zap.String("hostname", hostname), zap.Strings("values", values))
	return false, nil
}

// queryPrometheus runs an instant query and returns each sample's value as a string
func (s *monitoringService) queryPrometheus(ctx context.Context, query string) ([]string, error) {
	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", s.prometheusURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, string(body))
	}
	return parseSamples(body)
}

// parseSamples reads data.result[*].value[1] from an instant query response
func parseSamples(body []byte) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON from prometheus")
	}
	if status := gjson.GetBytes(body, "status").String(); status != "success" {
		return nil, fmt.Errorf("prometheus error: %s (%s)",
			gjson.GetBytes(body, "error").String(),
			gjson.GetBytes(body, "errorType").String())
	}
	var values []string
	for _, v := range gjson.GetBytes(body, "data.result.#.value.1").Array() {
		values = append(values, v.String())
	}
	return values, nil
}
