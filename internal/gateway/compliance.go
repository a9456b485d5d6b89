// Package gateway 订单网关：校验、合规、风控前置与路由
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/carbonex/engine/pkg/errors"
	"github.com/carbonex/engine/pkg/tracing"
)

const complianceTimeout = 2 * time.Second

// ComplianceChecker 合规前置检查接口。失败关闭：deny、超时、错误均拒单。
type ComplianceChecker interface {
	CheckOrder(ctx context.Context, accountID int64, req *SubmitRequest) error
}

// ComplianceClient 合规服务 HTTP 客户端
type ComplianceClient struct {
	baseURL       string
	internalToken string
	httpClient    *http.Client
}

// NewComplianceClient 创建合规客户端
func NewComplianceClient(baseURL, internalToken string) *ComplianceClient {
	return &ComplianceClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		internalToken: internalToken,
		httpClient: &http.Client{
			Timeout: complianceTimeout,
		},
	}
}

type complianceRequest struct {
	AccountID     int64  `json:"account_id"`
	Instrument    string `json:"instrument"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type complianceResponse struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// CheckOrder 调用合规服务。有界超时，超时按拒绝处理。
func (c *ComplianceClient) CheckOrder(ctx context.Context, accountID int64, submit *SubmitRequest) error {
	payload := complianceRequest{
		AccountID:     accountID,
		Instrument:    submit.Instrument,
		Side:          submit.Side,
		Type:          submit.Type,
		Quantity:      submit.Quantity,
		Price:         submit.Price,
		ClientOrderID: submit.ClientOrderID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Newf(errors.CodeComplianceRejected, "encode compliance request: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, complianceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/check", bytes.NewReader(body))
	if err != nil {
		return errors.Newf(errors.CodeComplianceRejected, "create compliance request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.internalToken != "" {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}
	tracing.InjectHTTP(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.New(errors.CodeComplianceTimeout, "compliance check timed out")
		}
		return errors.Newf(errors.CodeComplianceTimeout, "compliance check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.CodeComplianceRejected, "compliance status: %d", resp.StatusCode)
	}

	var verdict complianceResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return errors.Newf(errors.CodeComplianceRejected, "decode compliance response: %v", err)
	}
	if !verdict.Allow {
		reason := verdict.Reason
		if reason == "" {
			reason = "denied"
		}
		return errors.Newf(errors.CodeComplianceRejected, "compliance denied: %s", reason)
	}
	return nil
}

var _ ComplianceChecker = (*ComplianceClient)(nil)
