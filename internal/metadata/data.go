package metadata

import (
	"time"
)

type FetchEvent struct {
	fetchURL    string
	status      int
	duration    time.Duration
	contentType string
	retryCount  int
	depth       int
}

/*
runStats
  - Represents a terminal, derived summary of a completed run
  - Contains only aggregate counts and durations
  - Is computed by the orchestrator after the run ends
  - Is recorded exactly once
  - Must not influence dispatch, retries, or termination
*/
type runStats struct {
	processed  int64
	failed     int64
	bundles    int64
	durationMs int64
}

type ArtifactKind string

const (
	ArtifactBundle   ArtifactKind = "bundle"
	ArtifactResource ArtifactKind = "resource"
	ArtifactManifest ArtifactKind = "manifest"
)

/*
	ErrorCause is a closed, canonical classification used exclusively for
	observability (logging, metrics, reporting).

	Rules:
	 - ErrorCause MUST NOT influence control flow.
	 - ErrorCause MUST NOT be used for retry, continuation, or abort decisions.
	 - Adapter packages MAY map their local errors to ErrorCause,
	   but MUST NOT invent new meanings.

If a failure does not clearly match a defined cause, CauseUnknown MUST be used.
*/
type ErrorCause int

/*
Canonical ErrorCause Table

# CauseUnknown

  - The failure does not map cleanly to any known category.

# CauseNetworkFailure

  - Transport or remote availability: timeouts, DNS, resets, 5xx.

# CausePolicyDisallow

  - Access denied by the remote side: 401 / 403, throttling responses.

# CauseContentInvalid

  - A listing or response could not be decoded.

# CauseStorageFailure

  - Persisting bundles failed: disk full, permissions, I/O.

# CauseQueueFailure

  - The key-value backend behind the queue failed.

# CauseInvariantViolation

  - An internal consistency check failed.
*/
const (
	CauseUnknown ErrorCause = iota
	CauseNetworkFailure
	CausePolicyDisallow
	CauseContentInvalid
	CauseStorageFailure
	CauseQueueFailure
	CauseInvariantViolation
)

func (c ErrorCause) String() string {
	switch c {
	case CauseNetworkFailure:
		return "network_failure"
	case CausePolicyDisallow:
		return "policy_disallow"
	case CauseContentInvalid:
		return "content_invalid"
	case CauseStorageFailure:
		return "storage_failure"
	case CauseQueueFailure:
		return "queue_failure"
	case CauseInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

type ErrorRecord struct {
	packageName string
	action      string
	cause       ErrorCause
	errorString string
	observedAt  time.Time
	attrs       []Attribute
}

type Attribute struct {
	Key   AttributeKey
	Value string
}

func NewAttr(key AttributeKey, val string) Attribute {
	return Attribute{
		Key:   key,
		Value: val,
	}
}

type AttributeKey string

const (
	AttrRunID      AttributeKey = "run_id"
	AttrItemID     AttributeKey = "item_id"
	AttrURL        AttributeKey = "url"
	AttrPath       AttributeKey = "path"
	AttrDepth      AttributeKey = "depth"
	AttrLocator    AttributeKey = "locator"
	AttrBundleID   AttributeKey = "bundle_id"
	AttrProtocol   AttributeKey = "protocol"
	AttrHTTPStatus AttributeKey = "http_status"
	AttrWritePath  AttributeKey = "write_path"
)
