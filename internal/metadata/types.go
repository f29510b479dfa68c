// Package metadata is the persistent catalog port: projects,
// sources, layer sets, layers, layer changes/members, files,
// certificates, validated domains, ACME challenges, and the build
// queue. Repository is the capability interface the rest of the core
// depends on; memory.go and consul.go are two backends that satisfy it.
package metadata

import (
	"time"

	"forge.static-hosting.dev/platform/internal/ids"
)

// Project is the tenant root.
type Project struct {
	ID                    ids.ID
	Name                  string
	AcmeDNSChallengeLabel string // random 96-bit hex
	FileEncryptionKey     [32]byte
}

// SourceKind discriminates Source variants. Git is the only variant
// implemented.
type SourceKind int

const (
	SourceKindGit SourceKind = iota + 1
)

// Source is a named remote, currently always the Git
// variant: an SSH deploy key plus the repository URL it authenticates
// against.
type Source struct {
	Project        ids.ID
	Name           string
	Kind           SourceKind
	RepositoryURL  string
	IDEd25519Seed  [32]byte // ed25519.PrivateKey seed; public key is derived, not stored separately
}

// Visibility controls whether a layer set's content requires the
// bound project's own domains or is also reachable at a shared
// wildcard/default host. Only Private/Public are modeled; a shared
// wildcard kind is left for future routing work and not implemented.
type Visibility int

const (
	VisibilityPrivate Visibility = iota + 1
	VisibilityPublic
)

// BuildStatus is a LayerSet's mutable pointer state: last_layer_id is
// monotone non-decreasing, and at most one current_layer_id is
// non-null at a time.
type BuildStatus struct {
	CurrentLayerID ids.ID // ids.Nil if none building
	LastLayerID    ids.ID // ids.Nil if no layer has ever gone Ready
}

// LayerSet is a logical stream of versions under a project.
type LayerSet struct {
	Project      ids.ID
	Name         string
	Visibility   Visibility
	SourceName   string // empty if unbound
	SourceRef    string // e.g. "refs/heads/master"; meaning depends on SourceKind
	BuildStatus  BuildStatus
}

// LayerStatus is a Layer's place in its build lifecycle.
type LayerStatus int

const (
	LayerBuilding LayerStatus = iota + 1
	LayerFinalizing
	LayerReady
	LayerCancelled
)

func (s LayerStatus) String() string {
	switch s {
	case LayerBuilding:
		return "building"
	case LayerFinalizing:
		return "finalizing"
	case LayerReady:
		return "ready"
	case LayerCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Layer is an immutable snapshot under a layer set.
type Layer struct {
	Project         ids.ID
	LayerSet        string
	ID              ids.ID
	Status          LayerStatus
	SourceCommit    string // Git commit sha this layer was built from, if any
	BuildWorkerID    ids.ID // set while Status == Building
	FinalizeWorkerID ids.ID // set while Status == Finalizing
}

// Header is one HTTP header name/value pair a LayerChange/LayerMember
// carries, kept ordered.
type Header struct {
	Name  string
	Value string
}

// LayerChange is a staged (project, layer_set, layer_id, path) binding
// written during Building.
type LayerChange struct {
	Project      ids.ID
	LayerSet     string
	LayerID      ids.ID
	WorkerID     ids.ID
	Path         string
	Checksum     ids.Checksum
	EncodingHint ids.EncodingHint
	Headers      []Header
}

// LayerMember is the same shape as LayerChange but published: a path
// is served only if a LayerMember exists for it.
type LayerMember struct {
	Project      ids.ID
	LayerSet     string
	LayerID      ids.ID
	Path         string
	Checksum     ids.Checksum
	EncodingHint ids.EncodingHint
	Headers      []Header
}

// Certificate is a renewal queue row.
type Certificate struct {
	Project            ids.ID
	Name               string
	DomainNames        []ids.FQDN
	NextProcessingTime time.Time
}

// CertificateRenewal is the transient state of an in-flight ACME order
// for a certificate.
type CertificateRenewal struct {
	Project      ids.ID
	Name         string
	AcmeOrderURL string
	CSR          []byte
	CSRSecretKey []byte // DER-encoded ECDSA private key
}

// DomainKeys is the TLS keypair served for a ValidatedDomain.
type DomainKeys struct {
	PrivateKey []byte // DER
	PublicKeys [][]byte // DER chain, leaf first
}

// ValidatedDomain binds an FQDN to a project and its current TLS
// keypair; it is also the routing table HTTP serving reads.
type ValidatedDomain struct {
	FQDN      ids.FQDN
	Project   ids.ID
	LayerSet  string
	Keys      DomainKeys
}

// AcmeChallenge is a published DNS-01 token, TTL-bounded.
type AcmeChallenge struct {
	AcmeDNSChallengeLabel string
	Project               ids.ID
	CertificateName       string
	DNS01Token            string
	ExpiresAt             time.Time
}

// BuildQueueMessage is one pending build.
type BuildQueueMessage struct {
	ID       ids.ID
	Project  ids.ID
	LayerSet string
	LayerID  ids.ID
	WorkerID ids.ID
}

// PendingFilter selects which leased-row sweep get_pending_layers
// performs.
type PendingFilter int

const (
	PendingBuilding PendingFilter = iota + 1
	PendingFinalizing
)

// CASOutcome is the result of a try_set_current_build-style compare-
// and-swap.
type CASOutcome int

const (
	CASApplied CASOutcome = iota + 1
	CASAlreadyHeldByUs
	CASAlreadyHeldByOther
	CASStale
)
