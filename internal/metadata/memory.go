package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"forge.static-hosting.dev/platform/internal/errs"
	"forge.static-hosting.dev/platform/internal/ids"
)

// Memory is an in-process Repository backed by mutex-guarded maps,
// used by unit tests and single-process development. Its CAS
// operations take the mutex for the whole read-modify-write, which is
// the in-memory equivalent of the Consul-backed repository's
// KV().CAS() keyed on ModifyIndex.
type Memory struct {
	mu sync.Mutex

	projects map[ids.ID]Project
	sources  map[sourceKey]Source
	sets     map[layerSetKey]*LayerSet
	layers   map[layerKey]*Layer

	changes map[layerKey][]LayerChange
	members map[layerSetKey][]LayerMember

	queue []BuildQueueMessage

	certs     map[certKey]*Certificate
	renewals  map[certKey]CertificateRenewal
	domains   map[ids.FQDN]ValidatedDomain
	challenges []AcmeChallenge
}

func NewMemory() *Memory {
	return &Memory{
		projects: make(map[ids.ID]Project),
		sources:  make(map[sourceKey]Source),
		sets:     make(map[layerSetKey]*LayerSet),
		layers:   make(map[layerKey]*Layer),
		changes:  make(map[layerKey][]LayerChange),
		members:  make(map[layerSetKey][]LayerMember),
		certs:    make(map[certKey]*Certificate),
		renewals: make(map[certKey]CertificateRenewal),
		domains:  make(map[ids.FQDN]ValidatedDomain),
	}
}

type sourceKey struct {
	project ids.ID
	name    string
}

type layerSetKey struct {
	project ids.ID
	name    string
}

type layerKey struct {
	project  ids.ID
	layerSet string
	layerID  ids.ID
}

type certKey struct {
	project ids.ID
	name    string
}

var _ Repository = (*Memory)(nil)

func (m *Memory) CreateProject(ctx context.Context, p Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *Memory) GetProject(ctx context.Context, id ids.ID) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return Project{}, errs.Wrap(errs.KindNotFound, "metadata.GetProject", fmt.Errorf("project %s", id))
	}
	return p, nil
}

func (m *Memory) CreateSource(ctx context.Context, s Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[sourceKey{s.Project, s.Name}] = s
	return nil
}

func (m *Memory) GetSource(ctx context.Context, project ids.ID, name string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[sourceKey{project, name}]
	if !ok {
		return Source{}, errs.Wrap(errs.KindNotFound, "metadata.GetSource", fmt.Errorf("source %s/%s", project, name))
	}
	return s, nil
}

func (m *Memory) CreateLayerSet(ctx context.Context, ls LayerSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := layerSetKey{ls.Project, ls.Name}
	if _, ok := m.sets[key]; ok {
		return nil // insert-if-absent
	}
	cp := ls
	m.sets[key] = &cp
	return nil
}

func (m *Memory) GetLayerSet(ctx context.Context, project ids.ID, name string) (LayerSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.sets[layerSetKey{project, name}]
	if !ok {
		return LayerSet{}, errs.Wrap(errs.KindNotFound, "metadata.GetLayerSet", fmt.Errorf("layer set %s/%s", project, name))
	}
	return *ls, nil
}

func (m *Memory) SetLastLayerID(ctx context.Context, project ids.ID, layerSet string, newID ids.ID) (CASOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.sets[layerSetKey{project, layerSet}]
	if !ok {
		return CASStale, errs.Wrap(errs.KindNotFound, "metadata.SetLastLayerID", fmt.Errorf("layer set %s/%s", project, layerSet))
	}
	if !ls.BuildStatus.LastLayerID.IsNil() && !ls.BuildStatus.LastLayerID.Less(newID) {
		return CASStale, nil
	}
	ls.BuildStatus.LastLayerID = newID
	return CASApplied, nil
}

func (m *Memory) TrySetCurrentBuild(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID) (CASOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.sets[layerSetKey{project, layerSet}]
	if !ok {
		return CASStale, errs.Wrap(errs.KindNotFound, "metadata.TrySetCurrentBuild", fmt.Errorf("layer set %s/%s", project, layerSet))
	}

	if !ls.BuildStatus.LastLayerID.IsNil() && !ls.BuildStatus.LastLayerID.Less(layerID) {
		return CASStale, nil
	}

	current := ls.BuildStatus.CurrentLayerID
	switch {
	case current.IsNil():
		ls.BuildStatus.CurrentLayerID = layerID
		return CASApplied, nil
	case current == layerID:
		return CASAlreadyHeldByUs, nil
	default:
		return CASAlreadyHeldByOther, nil
	}
}

func (m *Memory) CreateLayer(ctx context.Context, l Layer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := l
	m.layers[layerKey{l.Project, l.LayerSet, l.ID}] = &cp
	return nil
}

func (m *Memory) GetLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID) (Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[layerKey{project, layerSet, layerID}]
	if !ok {
		return Layer{}, errs.Wrap(errs.KindNotFound, "metadata.GetLayer", fmt.Errorf("layer %s/%s/%s", project, layerSet, layerID))
	}
	return *l, nil
}

func (m *Memory) BuildLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[layerKey{project, layerSet, layerID}]
	if !ok {
		return CASStale, errs.Wrap(errs.KindNotFound, "metadata.BuildLayer", fmt.Errorf("layer %s/%s/%s", project, layerSet, layerID))
	}
	if l.Status != LayerBuilding || !l.BuildWorkerID.IsNil() {
		return CASAlreadyHeldByOther, nil
	}
	l.BuildWorkerID = worker
	return CASApplied, nil
}

func (m *Memory) FinishBuild(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[layerKey{project, layerSet, layerID}]
	if !ok {
		return CASStale, errs.Wrap(errs.KindNotFound, "metadata.FinishBuild", fmt.Errorf("layer %s/%s/%s", project, layerSet, layerID))
	}
	if l.Status != LayerBuilding || l.BuildWorkerID != worker {
		return CASAlreadyHeldByOther, nil
	}
	l.Status = LayerFinalizing
	return CASApplied, nil
}

func (m *Memory) FinalizeLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[layerKey{project, layerSet, layerID}]
	if !ok {
		return CASStale, errs.Wrap(errs.KindNotFound, "metadata.FinalizeLayer", fmt.Errorf("layer %s/%s/%s", project, layerSet, layerID))
	}
	if l.Status != LayerFinalizing || !l.FinalizeWorkerID.IsNil() {
		return CASAlreadyHeldByOther, nil
	}
	l.FinalizeWorkerID = worker
	return CASApplied, nil
}

func (m *Memory) FinishFinalizing(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[layerKey{project, layerSet, layerID}]
	if !ok {
		return CASStale, errs.Wrap(errs.KindNotFound, "metadata.FinishFinalizing", fmt.Errorf("layer %s/%s/%s", project, layerSet, layerID))
	}
	if l.Status != LayerFinalizing || l.FinalizeWorkerID != worker {
		return CASAlreadyHeldByOther, nil
	}

	ls, ok := m.sets[layerSetKey{project, layerSet}]
	if !ok {
		return CASStale, errs.Wrap(errs.KindNotFound, "metadata.FinishFinalizing", fmt.Errorf("layer set %s/%s", project, layerSet))
	}
	if ls.BuildStatus.CurrentLayerID != layerID {
		return CASAlreadyHeldByOther, nil
	}

	l.Status = LayerReady
	ls.BuildStatus.CurrentLayerID = ids.Nil
	ls.BuildStatus.LastLayerID = layerID
	return CASApplied, nil
}

func (m *Memory) CancelLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID) (CASOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layers[layerKey{project, layerSet, layerID}]
	if !ok {
		return CASStale, errs.Wrap(errs.KindNotFound, "metadata.CancelLayer", fmt.Errorf("layer %s/%s/%s", project, layerSet, layerID))
	}
	if l.Status != LayerBuilding {
		return CASAlreadyHeldByOther, nil
	}
	l.Status = LayerCancelled

	if ls, ok := m.sets[layerSetKey{project, layerSet}]; ok && ls.BuildStatus.CurrentLayerID == layerID {
		ls.BuildStatus.CurrentLayerID = ids.Nil
	}
	return CASApplied, nil
}

func (m *Memory) GetPendingLayers(ctx context.Context, filter PendingFilter) ([]Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var want LayerStatus
	switch filter {
	case PendingBuilding:
		want = LayerBuilding
	case PendingFinalizing:
		want = LayerFinalizing
	default:
		return nil, fmt.Errorf("metadata: unknown pending filter %d", filter)
	}

	var out []Layer
	for _, l := range m.layers {
		if l.Status != want {
			continue
		}
		leased := l.BuildWorkerID
		if want == LayerFinalizing {
			leased = l.FinalizeWorkerID
		}
		if leased.IsNil() {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

func (m *Memory) CreateLayerChanges(ctx context.Context, changes []LayerChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range changes {
		key := layerKey{c.Project, c.LayerSet, c.LayerID}
		m.changes[key] = append(m.changes[key], c)
	}
	return nil
}

func (m *Memory) CreateLayerMembers(ctx context.Context, members []LayerMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		key := layerSetKey{mem.Project, mem.LayerSet}
		m.members[key] = append(m.members[key], mem)
	}
	return nil
}

func (m *Memory) ListLayerChanges(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) ([]LayerChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.changes[layerKey{project, layerSet, layerID}]
	out := make([]LayerChange, 0, len(all))
	for _, c := range all {
		if worker.IsNil() || c.WorkerID == worker {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) GetLayerMemberSummary(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, paths []string) ([]LayerMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}

	best := make(map[string]LayerMember)
	for _, mem := range m.members[layerSetKey{project, layerSet}] {
		if !wanted[mem.Path] {
			continue
		}
		if mem.LayerID.Less(layerID) || mem.LayerID == layerID {
			cur, ok := best[mem.Path]
			if !ok || cur.LayerID.Less(mem.LayerID) {
				best[mem.Path] = mem
			}
		}
	}

	out := make([]LayerMember, 0, len(best))
	for _, mem := range best {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) EnqueueBuild(ctx context.Context, msg BuildQueueMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, msg)
	return nil
}

func (m *Memory) CreateCertificate(ctx context.Context, c Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.certs[certKey{c.Project, c.Name}] = &cp
	return nil
}

func (m *Memory) GetCertificate(ctx context.Context, project ids.ID, name string) (Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[certKey{project, name}]
	if !ok {
		return Certificate{}, errs.Wrap(errs.KindNotFound, "metadata.GetCertificate", fmt.Errorf("certificate %s/%s", project, name))
	}
	return *c, nil
}

func (m *Memory) GetQueuedCertificates(ctx context.Context, minuteMarks []time.Time) ([]Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	marks := make(map[int64]bool, len(minuteMarks))
	for _, t := range minuteMarks {
		marks[t.Unix()] = true
	}

	var out []Certificate
	for _, c := range m.certs {
		if marks[c.NextProcessingTime.Unix()] {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *Memory) TakeCertificateLease(ctx context.Context, project ids.ID, name string, current, fallback time.Time) (CASOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[certKey{project, name}]
	if !ok {
		return CASStale, errs.Wrap(errs.KindNotFound, "metadata.TakeCertificateLease", fmt.Errorf("certificate %s/%s", project, name))
	}
	if !c.NextProcessingTime.Equal(current) {
		return CASAlreadyHeldByOther, nil
	}
	c.NextProcessingTime = fallback
	return CASApplied, nil
}

func (m *Memory) SetCertificateNextProcessingTime(ctx context.Context, project ids.ID, name string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[certKey{project, name}]
	if !ok {
		return errs.Wrap(errs.KindNotFound, "metadata.SetCertificateNextProcessingTime", fmt.Errorf("certificate %s/%s", project, name))
	}
	c.NextProcessingTime = next
	return nil
}

func (m *Memory) GetCertificateRenewal(ctx context.Context, project ids.ID, name string) (CertificateRenewal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.renewals[certKey{project, name}]
	return r, ok, nil
}

func (m *Memory) SetCertificateRenewal(ctx context.Context, r CertificateRenewal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewals[certKey{r.Project, r.Name}] = r
	return nil
}

func (m *Memory) ClearCertificateRenewal(ctx context.Context, project ids.ID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.renewals, certKey{project, name})
	return nil
}

func (m *Memory) PutValidatedDomain(ctx context.Context, d ValidatedDomain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[d.FQDN] = d
	return nil
}

func (m *Memory) GetValidatedDomain(ctx context.Context, fqdn ids.FQDN) (ValidatedDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[fqdn]
	if !ok {
		return ValidatedDomain{}, errs.Wrap(errs.KindNotFound, "metadata.GetValidatedDomain", fmt.Errorf("domain %s", fqdn))
	}
	return d, nil
}

func (m *Memory) PutAcmeChallenge(ctx context.Context, c AcmeChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges = append(m.challenges, c)
	return nil
}

func (m *Memory) GetAcmeDNS01Challenges(ctx context.Context, label string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []string
	for _, c := range m.challenges {
		if c.AcmeDNSChallengeLabel == label && now.Before(c.ExpiresAt) {
			out = append(out, c.DNS01Token)
		}
	}
	return out, nil
}
