package metadata

import (
	"context"
	"time"

	"forge.static-hosting.dev/platform/internal/ids"
)

// Repository is the capability bundle the core depends on:
// a persistence port with serial linearizable CAS on single rows.
// Batched writes need not be atomic across rows. Both Memory and
// Consul implement this.
type Repository interface {
	// Projects / sources / layer sets.

	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id ids.ID) (Project, error)
	CreateSource(ctx context.Context, s Source) error
	GetSource(ctx context.Context, project ids.ID, name string) (Source, error)

	// CreateLayerSet inserts-if-absent.
	CreateLayerSet(ctx context.Context, ls LayerSet) error
	GetLayerSet(ctx context.Context, project ids.ID, name string) (LayerSet, error)

	// SetLastLayerID is a CAS: last_layer_id < newID.
	SetLastLayerID(ctx context.Context, project ids.ID, layerSet string, newID ids.ID) (CASOutcome, error)

	// TrySetCurrentBuild is a CAS: current_layer_id in {nil, layerID}
	// AND last_layer_id < layerID.
	TrySetCurrentBuild(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID) (CASOutcome, error)

	// Layers.

	CreateLayer(ctx context.Context, l Layer) error
	GetLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID) (Layer, error)

	// BuildLayer is a CAS: status=Building AND build_worker_id=nil ->
	// set build_worker_id=worker. No lease expiry is stored:
	// build_worker_id stays set, whatever time passes.
	BuildLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error)

	// FinishBuild is a CAS: status=Building AND build_worker_id=worker
	// -> status=Finalizing.
	FinishBuild(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error)

	// FinalizeLayer is a CAS: status=Finalizing AND
	// finalize_worker_id=nil -> set finalize_worker_id. No lease expiry
	// is stored: finalize_worker_id stays set, whatever time passes.
	FinalizeLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error)

	// FinishFinalizing is a CAS: status=Finalizing AND
	// finalize_worker_id=worker -> status=Ready; then CAS
	// current_build_layer_id=layerID -> (nil, last_layer_id:=layerID).
	// Both must apply.
	FinishFinalizing(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error)

	// CancelLayer is a CAS: status=Building -> Cancelled; then clears
	// current_build_layer_id if it matches.
	CancelLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID) (CASOutcome, error)

	// GetPendingLayers scans for layers whose status matches filter and
	// whose corresponding worker field is null.
	GetPendingLayers(ctx context.Context, filter PendingFilter) ([]Layer, error)

	// Layer changes / members.

	CreateLayerChanges(ctx context.Context, changes []LayerChange) error
	CreateLayerMembers(ctx context.Context, members []LayerMember) error
	ListLayerChanges(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) ([]LayerChange, error)

	// GetLayerMemberSummary returns, for each path, at most one
	// LayerMember with member.LayerID <= layerID, most recent first.
	GetLayerMemberSummary(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, paths []string) ([]LayerMember, error)

	// Build queue.

	EnqueueBuild(ctx context.Context, msg BuildQueueMessage) error

	// Certificates / ACME / domains.

	CreateCertificate(ctx context.Context, c Certificate) error
	GetCertificate(ctx context.Context, project ids.ID, name string) (Certificate, error)

	// GetQueuedCertificates returns certificates whose
	// next_processing_time matches one of the given minute marks.
	GetQueuedCertificates(ctx context.Context, minuteMarks []time.Time) ([]Certificate, error)

	// TakeCertificateLease is a CAS: next_processing_time=current ->
	// fallback. Only the winner proceeds with renewal.
	TakeCertificateLease(ctx context.Context, project ids.ID, name string, current, fallback time.Time) (CASOutcome, error)

	SetCertificateNextProcessingTime(ctx context.Context, project ids.ID, name string, next time.Time) error

	GetCertificateRenewal(ctx context.Context, project ids.ID, name string) (CertificateRenewal, bool, error)
	SetCertificateRenewal(ctx context.Context, r CertificateRenewal) error
	ClearCertificateRenewal(ctx context.Context, project ids.ID, name string) error

	// PutValidatedDomain is where TLS key material actually lands: a
	// Certificate row carries no key fields of its own, so a renewed
	// certificate's DomainKeys are persisted once per FQDN here.
	PutValidatedDomain(ctx context.Context, d ValidatedDomain) error
	GetValidatedDomain(ctx context.Context, fqdn ids.FQDN) (ValidatedDomain, error)

	PutAcmeChallenge(ctx context.Context, c AcmeChallenge) error
	// GetAcmeDNS01Challenges returns zero or more unexpired tokens
	// published under label: fan-out when a project has
	// overlapping orders.
	GetAcmeDNS01Challenges(ctx context.Context, label string) ([]string, error)
}
