package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge.static-hosting.dev/platform/internal/errs"
	"forge.static-hosting.dev/platform/internal/ids"
)

func newLayerSet(t *testing.T, m *Memory, project ids.ID, name string) {
	t.Helper()
	require.NoError(t, m.CreateLayerSet(context.Background(), LayerSet{
		Project: project,
		Name:    name,
	}))
}

func TestMemoryTrySetCurrentBuild(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)
	newLayerSet(t, m, project, "www")

	layerA, err := ids.NewV7()
	require.NoError(t, err)
	layerB, err := ids.NewV7()
	require.NoError(t, err)

	outcome, err := m.TrySetCurrentBuild(ctx, project, "www", layerA)
	require.NoError(t, err)
	require.Equal(t, CASApplied, outcome)

	// Re-asserting the same layer from the same worker is idempotent.
	outcome, err = m.TrySetCurrentBuild(ctx, project, "www", layerA)
	require.NoError(t, err)
	require.Equal(t, CASAlreadyHeldByUs, outcome)

	// A second, distinct layer cannot start while one is in flight.
	outcome, err = m.TrySetCurrentBuild(ctx, project, "www", layerB)
	require.NoError(t, err)
	require.Equal(t, CASAlreadyHeldByOther, outcome)
}

func TestMemoryTrySetCurrentBuildStaleAgainstLastLayerID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)
	newLayerSet(t, m, project, "www")

	layerA, err := ids.NewV7()
	require.NoError(t, err)
	layerB, err := ids.NewV7()
	require.NoError(t, err)

	outcome, err := m.SetLastLayerID(ctx, project, "www", layerB)
	require.NoError(t, err)
	require.Equal(t, CASApplied, outcome)

	// layerA sorts before layerB (UUIDv7 is time-ordered), so trying to
	// build it after last_layer_id has already advanced past it is stale.
	outcome, err = m.TrySetCurrentBuild(ctx, project, "www", layerA)
	require.NoError(t, err)
	require.Equal(t, CASStale, outcome)
}

func TestMemoryFinishFinalizingAppliesBothRows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)
	newLayerSet(t, m, project, "www")

	layerID, err := ids.NewV7()
	require.NoError(t, err)
	worker, err := ids.NewRandom()
	require.NoError(t, err)

	require.NoError(t, m.CreateLayer(ctx, Layer{Project: project, LayerSet: "www", ID: layerID, Status: LayerBuilding}))

	outcome, err := m.TrySetCurrentBuild(ctx, project, "www", layerID)
	require.NoError(t, err)
	require.Equal(t, CASApplied, outcome)

	outcome, err = m.BuildLayer(ctx, project, "www", layerID, worker)
	require.NoError(t, err)
	require.Equal(t, CASApplied, outcome)

	// A second worker cannot also take the build lease.
	otherWorker, err := ids.NewRandom()
	require.NoError(t, err)
	outcome, err = m.BuildLayer(ctx, project, "www", layerID, otherWorker)
	require.NoError(t, err)
	require.Equal(t, CASAlreadyHeldByOther, outcome)

	outcome, err = m.FinishBuild(ctx, project, "www", layerID, worker)
	require.NoError(t, err)
	require.Equal(t, CASApplied, outcome)

	outcome, err = m.FinalizeLayer(ctx, project, "www", layerID, worker)
	require.NoError(t, err)
	require.Equal(t, CASApplied, outcome)

	outcome, err = m.FinishFinalizing(ctx, project, "www", layerID, worker)
	require.NoError(t, err)
	require.Equal(t, CASApplied, outcome)

	layer, err := m.GetLayer(ctx, project, "www", layerID)
	require.NoError(t, err)
	require.Equal(t, LayerReady, layer.Status)

	ls, err := m.GetLayerSet(ctx, project, "www")
	require.NoError(t, err)
	require.True(t, ls.BuildStatus.CurrentLayerID.IsNil())
	require.Equal(t, layerID, ls.BuildStatus.LastLayerID)
}

func TestMemoryCancelLayerClearsCurrentBuild(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)
	newLayerSet(t, m, project, "www")

	layerID, err := ids.NewV7()
	require.NoError(t, err)

	require.NoError(t, m.CreateLayer(ctx, Layer{Project: project, LayerSet: "www", ID: layerID, Status: LayerBuilding}))
	_, err = m.TrySetCurrentBuild(ctx, project, "www", layerID)
	require.NoError(t, err)

	outcome, err := m.CancelLayer(ctx, project, "www", layerID)
	require.NoError(t, err)
	require.Equal(t, CASApplied, outcome)

	layer, err := m.GetLayer(ctx, project, "www", layerID)
	require.NoError(t, err)
	require.Equal(t, LayerCancelled, layer.Status)

	ls, err := m.GetLayerSet(ctx, project, "www")
	require.NoError(t, err)
	require.True(t, ls.BuildStatus.CurrentLayerID.IsNil())

	// Cancelling an already-cancelled layer is rejected, not re-applied.
	outcome, err = m.CancelLayer(ctx, project, "www", layerID)
	require.NoError(t, err)
	require.Equal(t, CASAlreadyHeldByOther, outcome)
}

func TestMemoryGetPendingLayersFiltersLeasedRows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)
	newLayerSet(t, m, project, "www")

	unleased, err := ids.NewV7()
	require.NoError(t, err)
	leased, err := ids.NewV7()
	require.NoError(t, err)
	worker, err := ids.NewRandom()
	require.NoError(t, err)

	require.NoError(t, m.CreateLayer(ctx, Layer{Project: project, LayerSet: "www", ID: unleased, Status: LayerBuilding}))
	require.NoError(t, m.CreateLayer(ctx, Layer{Project: project, LayerSet: "www", ID: leased, Status: LayerBuilding, BuildWorkerID: worker}))

	pending, err := m.GetPendingLayers(ctx, PendingBuilding)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, unleased, pending[0].ID)
}

func TestMemoryGetLayerMemberSummaryPicksMostRecentAtOrBeforeLayer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)

	layer1, err := ids.NewV7()
	require.NoError(t, err)
	layer2, err := ids.NewV7()
	require.NoError(t, err)
	layer3, err := ids.NewV7()
	require.NoError(t, err)

	require.NoError(t, m.CreateLayerMembers(ctx, []LayerMember{
		{Project: project, LayerSet: "www", LayerID: layer1, Path: "/index.html"},
		{Project: project, LayerSet: "www", LayerID: layer2, Path: "/index.html"},
		{Project: project, LayerSet: "www", LayerID: layer1, Path: "/about.html"},
	}))

	// Querying as of layer3 (after all writes) returns the latest /index.html.
	out, err := m.GetLayerMemberSummary(ctx, project, "www", layer3, []string{"/index.html", "/about.html", "/missing.html"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	var index, about *LayerMember
	for i := range out {
		switch out[i].Path {
		case "/index.html":
			index = &out[i]
		case "/about.html":
			about = &out[i]
		}
	}
	require.NotNil(t, index)
	require.Equal(t, layer2, index.LayerID)
	require.NotNil(t, about)
	require.Equal(t, layer1, about.LayerID)

	// Querying as of layer1 only sees the layer1 write.
	out, err = m.GetLayerMemberSummary(ctx, project, "www", layer1, []string{"/index.html"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, layer1, out[0].LayerID)
}

func TestMemoryTakeCertificateLease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, m.CreateCertificate(ctx, Certificate{
		Project:            project,
		Name:               "example",
		NextProcessingTime: now,
	}))

	fallback := now.Add(5 * time.Minute)
	outcome, err := m.TakeCertificateLease(ctx, project, "example", now, fallback)
	require.NoError(t, err)
	require.Equal(t, CASApplied, outcome)

	// A second racer presenting the same stale "current" loses.
	outcome, err = m.TakeCertificateLease(ctx, project, "example", now, fallback)
	require.NoError(t, err)
	require.Equal(t, CASAlreadyHeldByOther, outcome)

	cert, err := m.GetCertificate(ctx, project, "example")
	require.NoError(t, err)
	require.True(t, cert.NextProcessingTime.Equal(fallback))
}

func TestMemoryGetQueuedCertificatesMatchesMinuteMarks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)

	due := time.Unix(1700000000, 0).UTC()
	notDue := due.Add(time.Minute)

	require.NoError(t, m.CreateCertificate(ctx, Certificate{Project: project, Name: "due", NextProcessingTime: due}))
	require.NoError(t, m.CreateCertificate(ctx, Certificate{Project: project, Name: "not-due", NextProcessingTime: notDue}))

	out, err := m.GetQueuedCertificates(ctx, []time.Time{due})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "due", out[0].Name)
}

func TestMemoryGetAcmeDNS01ChallengesExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)

	require.NoError(t, m.PutAcmeChallenge(ctx, AcmeChallenge{
		AcmeDNSChallengeLabel: "label1",
		Project:               project,
		CertificateName:       "example",
		DNS01Token:            "live-token",
		ExpiresAt:             time.Now().Add(time.Hour),
	}))
	require.NoError(t, m.PutAcmeChallenge(ctx, AcmeChallenge{
		AcmeDNSChallengeLabel: "label1",
		Project:               project,
		CertificateName:       "example",
		DNS01Token:            "expired-token",
		ExpiresAt:             time.Now().Add(-time.Hour),
	}))

	tokens, err := m.GetAcmeDNS01Challenges(ctx, "label1")
	require.NoError(t, err)
	require.Equal(t, []string{"live-token"}, tokens)
}

func TestMemoryNotFoundErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	project, err := ids.NewRandom()
	require.NoError(t, err)

	_, err = m.GetProject(ctx, project)
	require.True(t, errs.Is(err, errs.KindNotFound))

	_, err = m.GetLayerSet(ctx, project, "missing")
	require.True(t, errs.Is(err, errs.KindNotFound))

	_, err = m.GetValidatedDomain(ctx, ids.FQDN("missing.example.com"))
	require.True(t, errs.Is(err, errs.KindNotFound))
}
