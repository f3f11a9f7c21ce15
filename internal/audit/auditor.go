// Package audit produces signed records of executed power actions.
//
// Each non-dry-run action yields an ActionManifest whose HMAC-SHA256
// signature lets an offline reviewer prove the record was not altered.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/softcane/vm-power-agent/internal/powerstate"
)

// ActionManifest is the signed record of one executed power action.
type ActionManifest struct {
	VM            string    `json:"vm"`
	ResourceGroup string    `json:"resource_group"`
	Subscription  string    `json:"subscription"`
	PriorState    string    `json:"prior_state"`
	Action        string    `json:"action"`
	Trace         string    `json:"trace"`
	Timestamp     time.Time `json:"timestamp"`
	AgentVersion  string    `json:"agent_version"`
	Signature     string    `json:"signature"`
}

// Config for the Auditor.
type Config struct {
	SecretKey    string // HMAC key for signing manifests
	AgentVersion string
}

// Auditor signs and verifies action manifests.
type Auditor struct {
	config Config
	logger *slog.Logger
}

// NewAuditor creates a new Auditor. The secret key must be non-empty; an
// unsigned audit trail is worse than none.
func NewAuditor(config Config, logger *slog.Logger) (*Auditor, error) {
	if strings.TrimSpace(config.SecretKey) == "" {
		return nil, fmt.Errorf("audit secret key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Auditor{
		config: config,
		logger: logger,
	}, nil
}

// GenerateManifest creates a signed record of one executed action.
func (a *Auditor) GenerateManifest(ref powerstate.VMRef, result powerstate.ReconcileResult) *ActionManifest {
	manifest := &ActionManifest{
		VM:            ref.VMName,
		ResourceGroup: ref.ResourceGroup,
		Subscription:  ref.SubscriptionID,
		PriorState:    result.PriorState.String(),
		Action:        result.Action.String(),
		Trace:         result.Trace,
		Timestamp:     time.Now().UTC(),
		AgentVersion:  a.config.AgentVersion,
	}
	manifest.Signature = a.sign(manifest)

	a.logger.Info("generated action manifest",
		"vm", manifest.VM,
		"action", manifest.Action,
		"prior_state", manifest.PriorState,
	)

	return manifest
}

// sign creates the HMAC-SHA256 signature over a deterministic payload.
// Every integrity-relevant field participates; changing any of them breaks
// verification.
func (a *Auditor) sign(m *ActionManifest) string {
	payload := strings.Join([]string{
		m.VM,
		m.ResourceGroup,
		m.Subscription,
		m.PriorState,
		m.Action,
		m.Trace,
		m.Timestamp.UTC().Format(time.RFC3339Nano),
		m.AgentVersion,
	}, "|")

	h := hmac.New(sha256.New, []byte(a.config.SecretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyManifest checks whether a manifest signature is valid.
func (a *Auditor) VerifyManifest(m *ActionManifest) bool {
	expected := a.sign(m)
	return hmac.Equal([]byte(expected), []byte(m.Signature))
}

// ToJSON serializes the manifest for log and event sinks.
func (m *ActionManifest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
