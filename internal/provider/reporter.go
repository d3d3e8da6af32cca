package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
	"github.com/yourorg/blocksync/internal/metrics"
)

// UploadBatchSize caps the number of domain names per bulk request.
const UploadBatchSize = 100000

// Order processing statuses understood by the provider.
const (
	statusActivationInProgress = "ActivationInProgress"
	statusActive               = "Active"
	statusReleaseInProgress    = "ReleaseInProgress"
	statusClosed               = "Closed"
)

// Reporter pushes order status transitions and unblockable domains to the
// provider's bulk API.
type Reporter struct {
	cred           *Credential
	orderURL       string
	unblockableURL string
	http           *http.Client
	retrier        Retrier
	log            *zap.Logger
}

// NewReporter builds a Reporter.
func NewReporter(cred *Credential, orderURL, unblockableURL string, client *http.Client, retrier Retrier, log *zap.Logger) *Reporter {
	if client == nil {
		client = &http.Client{}
	}
	return &Reporter{
		cred:           cred,
		orderURL:       orderURL,
		unblockableURL: unblockableURL,
		http:           client,
		retrier:        retrier,
		log:            log,
	}
}

type orderStatus struct {
	BlockOrderID int64  `json:"blockOrderId"`
	Status       string `json:"status"`
}

// ReportOrdersInProgress tells the provider processing of the given orders
// has begun. The serialized payload is returned for transcripting; with no
// orders there is no call and no payload.
func (r *Reporter) ReportOrdersInProgress(ctx context.Context, orders []blocklist.Order) ([]byte, error) {
	return r.reportOrders(ctx, orders, true)
}

// ReportOrdersCompleted tells the provider processing of the given orders
// has finished.
func (r *Reporter) ReportOrdersCompleted(ctx context.Context, orders []blocklist.Order) ([]byte, error) {
	return r.reportOrders(ctx, orders, false)
}

func (r *Reporter) reportOrders(ctx context.Context, orders []blocklist.Order, inProgress bool) ([]byte, error) {
	if len(orders) == 0 {
		r.log.Info("no order changes to report")
		return nil, nil
	}
	statuses := make([]orderStatus, 0, len(orders))
	for _, o := range orders {
		s, err := statusFor(o.Type, inProgress)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, orderStatus{BlockOrderID: o.ID, Status: s})
	}
	payload, err := json.Marshal(statuses)
	if err != nil {
		return nil, err
	}
	if err := r.post(ctx, "order_status", r.orderURL, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func statusFor(t blocklist.OrderType, inProgress bool) (string, error) {
	switch t {
	case blocklist.OrderCreate:
		if inProgress {
			return statusActivationInProgress, nil
		}
		return statusActive, nil
	case blocklist.OrderDelete:
		if inProgress {
			return statusReleaseInProgress, nil
		}
		return statusClosed, nil
	}
	return "", fmt.Errorf("unknown order type %q", t)
}

type unblockablePayload struct {
	Action  string   `json:"action"`
	Reason  string   `json:"reason,omitempty"`
	Domains []string `json:"domains"`
}

// AddUnblockableDomains reports domains the provider must not count as
// blocked, one request per reason, capped at UploadBatchSize names each.
// It returns every payload sent.
func (r *Reporter) AddUnblockableDomains(ctx context.Context, domains []blocklist.UnblockableDomain) ([][]byte, error) {
	byReason := make(map[blocklist.Reason][]string)
	for _, d := range domains {
		byReason[d.Reason] = append(byReason[d.Reason], d.DomainName())
	}
	reasons := make([]string, 0, len(byReason))
	for reason := range byReason {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	var sent [][]byte
	for _, reason := range reasons {
		names := byReason[blocklist.Reason(reason)]
		for start := 0; start < len(names); start += UploadBatchSize {
			end := min(start+UploadBatchSize, len(names))
			payload, err := json.Marshal(unblockablePayload{Action: "add", Reason: reason, Domains: names[start:end]})
			if err != nil {
				return sent, err
			}
			if err := r.post(ctx, "unblockables", r.unblockableURL, payload); err != nil {
				return sent, err
			}
			sent = append(sent, payload)
		}
	}
	return sent, nil
}

// RemoveUnblockableDomains retracts previously reported unblockable
// domains; reasons are irrelevant for removal.
func (r *Reporter) RemoveUnblockableDomains(ctx context.Context, domains []blocklist.UnblockableDomain) ([][]byte, error) {
	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.DomainName())
	}
	var sent [][]byte
	for start := 0; start < len(names); start += UploadBatchSize {
		end := min(start+UploadBatchSize, len(names))
		payload, err := json.Marshal(unblockablePayload{Action: "remove", Domains: names[start:end]})
		if err != nil {
			return sent, err
		}
		if err := r.post(ctx, "unblockables", r.unblockableURL, payload); err != nil {
			return sent, err
		}
		sent = append(sent, payload)
	}
	return sent, nil
}

func (r *Reporter) post(ctx context.Context, op, url string, payload []byte) error {
	return r.retrier.Do(ctx, op, func() error {
		token, err := r.cred.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return Permanent(op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.http.Do(req)
		if err != nil {
			metrics.ProviderRequests.WithLabelValues(op, "error").Inc()
			return Transient(op, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			metrics.ProviderRequests.WithLabelValues(op, "error").Inc()
			return Transient(op, fmt.Errorf("unexpected status %s", resp.Status))
		}
		metrics.ProviderRequests.WithLabelValues(op, "ok").Inc()
		return nil
	})
}
