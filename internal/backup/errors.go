package backup

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MacJediWizard/keldris-orchestrator/internal/agent"
	"github.com/MacJediWizard/keldris-orchestrator/internal/health"
	"github.com/MacJediWizard/keldris-orchestrator/internal/lock"
	"github.com/MacJediWizard/keldris-orchestrator/internal/models"
	"github.com/MacJediWizard/keldris-orchestrator/internal/pipeline"
)

// Alert codes raised by the backup manager.
const (
	CodeLockTimeout        = "BKP0001"
	CodeCancelled          = "BKP0002"
	CodeHostNotOperational = "BKP0010"
	CodeAssetPaused        = "BKP0011"
	CodeRollbackIncomplete = "BKP0090"
	CodeResumableExhausted = "BKP0091"
	CodeRansomwareDetected = "BKP0300"
	CodeMissingVolumes     = "BKP0301"
	CodeFilesystemErrors   = "BKP0302"
	CodeUnknown            = "BKP0999"
)

var (
	// ErrAssetPaused is returned when a scheduled run targets a paused asset.
	ErrAssetPaused = errors.New("backups are paused for asset")
	// ErrCancelTimeout is returned when a cancelled run outlives the wait.
	ErrCancelTimeout = errors.New("timed out waiting for backup to cancel")
)

// AgentError is a failure reported by the agent with its own numeric code.
type AgentError struct {
	Code    int
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// TranslatedError is a failure mapped to a stable, user-facing code.
type TranslatedError struct {
	Code    string
	Message string
	Err     error
}

func (e *TranslatedError) Error() string {
	return e.Code + " - " + e.Message
}

func (e *TranslatedError) Unwrap() error {
	return e.Err
}

// PlatformGroup selects platform-specific wording for the same failure.
type PlatformGroup string

const (
	GroupAny       PlatformGroup = ""
	GroupWindows   PlatformGroup = "windows"
	GroupLinux     PlatformGroup = "linux"
	GroupMac       PlatformGroup = "mac"
	GroupAgentless PlatformGroup = "agentless"
	GroupDTC       PlatformGroup = "dtc"
	GroupShare     PlatformGroup = "share"
	GroupRescue    PlatformGroup = "rescue"
)

// GroupFor returns the platform group of a variant.
func GroupFor(v models.Variant) PlatformGroup {
	switch v {
	case models.VariantWindowsShadowSnap, models.VariantWindowsNative:
		return GroupWindows
	case models.VariantLinux:
		return GroupLinux
	case models.VariantMac:
		return GroupMac
	case models.VariantAgentlessGeneric, models.VariantAgentlessWindows, models.VariantAgentlessLinux:
		return GroupAgentless
	case models.VariantDirectToCloud, models.VariantDirectToCloudPrepare:
		return GroupDTC
	case models.VariantShare, models.VariantExternalNASShare:
		return GroupShare
	case models.VariantRescue:
		return GroupRescue
	}
	return GroupAny
}

type errorClass int

const (
	classTransport errorClass = iota
	classAgent
)

type catalogKey struct {
	class errorClass
	code  int
	group PlatformGroup
}

type catalogEntry struct {
	code    string
	message string
}

// ErrorTranslator maps transport and agent failures to catalog codes.
type ErrorTranslator struct {
	catalog map[catalogKey]catalogEntry
}

// NewErrorTranslator returns a translator loaded with the built-in catalog.
func NewErrorTranslator() *ErrorTranslator {
	t := &ErrorTranslator{catalog: make(map[catalogKey]catalogEntry)}

	t.transport(0, GroupAny, "BKP1000", "Unable to connect to the protected system")
	t.transport(0, GroupWindows, "BKP1010", "Unable to connect to the agent. Verify the agent service is running and port 25568 is reachable")
	t.transport(0, GroupLinux, "BKP1020", "Unable to connect to the agent. Verify the agent daemon is running")
	t.transport(0, GroupMac, "BKP1030", "Unable to connect to the agent. Verify the agent is running and has full disk access")
	t.transport(0, GroupAgentless, "BKP1040", "Unable to connect to the hypervisor")
	t.transport(0, GroupShare, "BKP1050", "Unable to mount the share")
	t.transport(0, GroupDTC, "BKP1060", "The direct-to-cloud agent is not reachable")
	t.transport(0, GroupRescue, "BKP1070", "Unable to connect to the rescue agent. Verify the rescue VM is powered on")
	t.transport(http.StatusUnauthorized, GroupAny, "BKP1001", "The agent rejected the appliance's credentials; re-pair the agent")
	t.transport(http.StatusForbidden, GroupAny, "BKP1001", "The agent rejected the appliance's credentials; re-pair the agent")
	t.transport(http.StatusUnauthorized, GroupShare, "BKP1051", "The share rejected the configured credentials")
	t.transport(http.StatusForbidden, GroupShare, "BKP1051", "The share rejected the configured credentials")
	t.transport(http.StatusNotFound, GroupAny, "BKP1002", "The agent does not recognise this appliance")
	t.transport(http.StatusRequestTimeout, GroupAny, "BKP1003", "The agent timed out")
	t.transport(http.StatusGatewayTimeout, GroupAny, "BKP1003", "The agent timed out")
	t.transport(http.StatusConflict, GroupAny, "BKP1005", "The agent rejected the request because another operation is in progress")
	t.transport(http.StatusBadGateway, GroupAny, "BKP1004", "The agent is temporarily unavailable")
	t.transport(http.StatusServiceUnavailable, GroupAny, "BKP1004", "The agent is temporarily unavailable")

	t.agentCode(1, GroupWindows, "BKP2001", "The volume shadow copy (VSS) snapshot failed")
	t.agentCode(1, GroupLinux, "BKP2101", "The block device snapshot failed")
	t.agentCode(1, GroupMac, "BKP2201", "The APFS snapshot failed")
	t.agentCode(2, GroupAny, "BKP2002", "Not enough free space on a protected volume to hold the snapshot")
	t.agentCode(3, GroupAny, "BKP2003", "An included volume was not found on the protected system")
	t.agentCode(4, GroupAny, "BKP2004", "The agent lost its connection during transfer")
	t.agentCode(5, GroupWindows, "BKP2005", "A VSS writer reported a failure")

	return t
}

func (t *ErrorTranslator) transport(status int, group PlatformGroup, code, msg string) {
	t.catalog[catalogKey{classTransport, status, group}] = catalogEntry{code, msg}
}

func (t *ErrorTranslator) agentCode(agentCode int, group PlatformGroup, code, msg string) {
	t.catalog[catalogKey{classAgent, agentCode, group}] = catalogEntry{code, msg}
}

func (t *ErrorTranslator) lookup(class errorClass, code int, group PlatformGroup) (catalogEntry, bool) {
	if e, ok := t.catalog[catalogKey{class, code, group}]; ok {
		return e, true
	}
	e, ok := t.catalog[catalogKey{class, code, GroupAny}]
	return e, ok
}

// Translate maps err to a catalog code. Unrecognised failures keep their
// own code and message.
func (t *ErrorTranslator) Translate(err error, group PlatformGroup) *TranslatedError {
	if err == nil {
		return nil
	}

	var already *TranslatedError
	if errors.As(err, &already) {
		return already
	}

	switch {
	case errors.Is(err, lock.ErrLockTimeout):
		return &TranslatedError{Code: CodeLockTimeout, Message: "Another backup is already running for this asset", Err: err}
	case errors.Is(err, pipeline.ErrCancelled):
		return &TranslatedError{Code: CodeCancelled, Message: "The backup was cancelled", Err: err}
	case errors.Is(err, health.ErrHostNotOperational):
		return &TranslatedError{Code: CodeHostNotOperational, Message: "The appliance is not healthy enough to run backups", Err: err}
	case errors.Is(err, ErrAssetPaused):
		return &TranslatedError{Code: CodeAssetPaused, Message: "Backups are paused for this asset", Err: err}
	}

	var te *agent.TransportError
	if errors.As(err, &te) {
		if e, ok := t.lookup(classTransport, te.StatusCode, group); ok {
			return &TranslatedError{Code: e.code, Message: e.message, Err: err}
		}
		return &TranslatedError{Code: fmt.Sprintf("HTTP%d", te.StatusCode), Message: te.Message, Err: err}
	}

	var ae *AgentError
	if errors.As(err, &ae) {
		if e, ok := t.lookup(classAgent, ae.Code, group); ok {
			return &TranslatedError{Code: e.code, Message: e.message, Err: err}
		}
		return &TranslatedError{Code: fmt.Sprintf("AGENT%d", ae.Code), Message: ae.Message, Err: err}
	}

	return &TranslatedError{Code: CodeUnknown, Message: err.Error(), Err: err}
}

// StaleAlertCodes are cleared after every successful backup.
var StaleAlertCodes = []string{
	CodeLockTimeout,
	CodeHostNotOperational,
	CodeRollbackIncomplete,
	CodeResumableExhausted,
	"BKP1000", "BKP1001", "BKP1002", "BKP1003", "BKP1004", "BKP1005",
	"BKP1010", "BKP1020", "BKP1030", "BKP1040", "BKP1050", "BKP1051", "BKP1060", "BKP1070",
	"BKP2001", "BKP2002", "BKP2003", "BKP2004", "BKP2005", "BKP2101", "BKP2201",
	CodeUnknown,
}
