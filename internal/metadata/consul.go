package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	consul "github.com/hashicorp/consul/api"

	"forge.static-hosting.dev/platform/internal/errs"
	"forge.static-hosting.dev/platform/internal/ids"
)

// Consul is the production Repository backend: every row is a JSON
// blob under a Consul KV key, and every CAS operation goes through
// KV().CAS() keyed on ModifyIndex.
type Consul struct {
	kv     *consul.KV
	prefix string
}

func NewConsul(client *consul.Client, keyPrefix string) *Consul {
	return &Consul{kv: client.KV(), prefix: strings.TrimSuffix(keyPrefix, "/")}
}

var _ Repository = (*Consul)(nil)

func (c *Consul) key(parts ...string) string {
	return c.prefix + "/" + strings.Join(parts, "/")
}

// getJSON reads and decodes the row at key, along with its
// ModifyIndex for use in a subsequent CAS, or errs.NotFound if absent.
func (c *Consul) getJSON(key string, v any) (modifyIndex uint64, err error) {
	pair, _, err := c.kv.Get(key, &consul.QueryOptions{RequireConsistent: true})
	if err != nil {
		return 0, fmt.Errorf("metadata: consul get %s: %w", key, err)
	}
	if pair == nil {
		return 0, errs.Wrap(errs.KindNotFound, "metadata.Consul", fmt.Errorf("%s not found", key))
	}
	if err := json.Unmarshal(pair.Value, v); err != nil {
		return 0, fmt.Errorf("metadata: decode %s: %w", key, err)
	}
	return pair.ModifyIndex, nil
}

func (c *Consul) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("metadata: encode %s: %w", key, err)
	}
	_, err = c.kv.Put(&consul.KVPair{Key: key, Value: data}, nil)
	if err != nil {
		return fmt.Errorf("metadata: consul put %s: %w", key, err)
	}
	return nil
}

// casJSON decodes the row at key, lets mutate inspect/modify it, and
// writes it back with a CAS keyed on the ModifyIndex observed at read
// time. If the row does not exist, modifyIndex is 0 and mutate is
// invoked with the zero value of v, matching Consul's own CAS(0,...)
// "create if absent" semantics.
func casJSON[T any](c *Consul, key string, mutate func(row *T, exists bool) (apply bool, outcome CASOutcome)) (CASOutcome, error) {
	var row T
	pair, _, err := c.kv.Get(key, &consul.QueryOptions{RequireConsistent: true})
	if err != nil {
		return 0, fmt.Errorf("metadata: consul get %s: %w", key, err)
	}

	exists := pair != nil
	var modifyIndex uint64
	if exists {
		if err := json.Unmarshal(pair.Value, &row); err != nil {
			return 0, fmt.Errorf("metadata: decode %s: %w", key, err)
		}
		modifyIndex = pair.ModifyIndex
	}

	apply, outcome := mutate(&row, exists)
	if !apply {
		return outcome, nil
	}

	data, err := json.Marshal(row)
	if err != nil {
		return 0, fmt.Errorf("metadata: encode %s: %w", key, err)
	}

	ok, _, err := c.kv.CAS(&consul.KVPair{Key: key, Value: data, ModifyIndex: modifyIndex}, nil)
	if err != nil {
		return 0, fmt.Errorf("metadata: consul cas %s: %w", key, err)
	}
	if !ok {
		// Lost the race; the caller may retry its whole operation, but
		// a single CAS round-trip is the linearization point, so a race
		// here is reported as the "other worker won" outcome.
		return CASAlreadyHeldByOther, nil
	}
	return outcome, nil
}

func (c *Consul) CreateProject(ctx context.Context, p Project) error {
	return c.putJSON(c.key("projects", p.ID.String()), p)
}

func (c *Consul) GetProject(ctx context.Context, id ids.ID) (Project, error) {
	var p Project
	_, err := c.getJSON(c.key("projects", id.String()), &p)
	return p, err
}

func (c *Consul) CreateSource(ctx context.Context, s Source) error {
	return c.putJSON(c.key("sources", s.Project.String(), s.Name), s)
}

func (c *Consul) GetSource(ctx context.Context, project ids.ID, name string) (Source, error) {
	var s Source
	_, err := c.getJSON(c.key("sources", project.String(), name), &s)
	return s, err
}

func (c *Consul) CreateLayerSet(ctx context.Context, ls LayerSet) error {
	key := c.key("layersets", ls.Project.String(), ls.Name)
	_, err := casJSON(c, key, func(row *LayerSet, exists bool) (bool, CASOutcome) {
		if exists {
			return false, CASAlreadyHeldByUs
		}
		*row = ls
		return true, CASApplied
	})
	return err
}

func (c *Consul) GetLayerSet(ctx context.Context, project ids.ID, name string) (LayerSet, error) {
	var ls LayerSet
	_, err := c.getJSON(c.key("layersets", project.String(), name), &ls)
	return ls, err
}

func (c *Consul) SetLastLayerID(ctx context.Context, project ids.ID, layerSet string, newID ids.ID) (CASOutcome, error) {
	key := c.key("layersets", project.String(), layerSet)
	return casJSON(c, key, func(row *LayerSet, exists bool) (bool, CASOutcome) {
		if !exists {
			return false, CASStale
		}
		if !row.BuildStatus.LastLayerID.IsNil() && !row.BuildStatus.LastLayerID.Less(newID) {
			return false, CASStale
		}
		row.BuildStatus.LastLayerID = newID
		return true, CASApplied
	})
}

func (c *Consul) TrySetCurrentBuild(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID) (CASOutcome, error) {
	key := c.key("layersets", project.String(), layerSet)
	return casJSON(c, key, func(row *LayerSet, exists bool) (bool, CASOutcome) {
		if !exists {
			return false, CASStale
		}
		if !row.BuildStatus.LastLayerID.IsNil() && !row.BuildStatus.LastLayerID.Less(layerID) {
			return false, CASStale
		}
		switch {
		case row.BuildStatus.CurrentLayerID.IsNil():
			row.BuildStatus.CurrentLayerID = layerID
			return true, CASApplied
		case row.BuildStatus.CurrentLayerID == layerID:
			return false, CASAlreadyHeldByUs
		default:
			return false, CASAlreadyHeldByOther
		}
	})
}

func (c *Consul) CreateLayer(ctx context.Context, l Layer) error {
	return c.putJSON(c.key("layers", l.Project.String(), l.LayerSet, l.ID.String()), l)
}

func (c *Consul) GetLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID) (Layer, error) {
	var l Layer
	_, err := c.getJSON(c.key("layers", project.String(), layerSet, layerID.String()), &l)
	return l, err
}

func (c *Consul) BuildLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error) {
	key := c.key("layers", project.String(), layerSet, layerID.String())
	return casJSON(c, key, func(row *Layer, exists bool) (bool, CASOutcome) {
		if !exists || row.Status != LayerBuilding || !row.BuildWorkerID.IsNil() {
			return false, CASAlreadyHeldByOther
		}
		row.BuildWorkerID = worker
		return true, CASApplied
	})
}

func (c *Consul) FinishBuild(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error) {
	key := c.key("layers", project.String(), layerSet, layerID.String())
	return casJSON(c, key, func(row *Layer, exists bool) (bool, CASOutcome) {
		if !exists || row.Status != LayerBuilding || row.BuildWorkerID != worker {
			return false, CASAlreadyHeldByOther
		}
		row.Status = LayerFinalizing
		return true, CASApplied
	})
}

func (c *Consul) FinalizeLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error) {
	key := c.key("layers", project.String(), layerSet, layerID.String())
	return casJSON(c, key, func(row *Layer, exists bool) (bool, CASOutcome) {
		if !exists || row.Status != LayerFinalizing || !row.FinalizeWorkerID.IsNil() {
			return false, CASAlreadyHeldByOther
		}
		row.FinalizeWorkerID = worker
		return true, CASApplied
	})
}

// FinishFinalizing applies the layer's transition to Ready, then the
// layer set's current/last-id flip, as two sequential CAS round-trips.
// Both must apply; if the second fails, the layer is left Ready but
// the layer set's pointer update is retried by the next sweep, which
// finds the layer already Ready and skips it — not a correctness issue
// since last_layer_id only needs to reach layerID eventually.
func (c *Consul) FinishFinalizing(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) (CASOutcome, error) {
	layerKey := c.key("layers", project.String(), layerSet, layerID.String())
	outcome, err := casJSON(c, layerKey, func(row *Layer, exists bool) (bool, CASOutcome) {
		if !exists || row.Status != LayerFinalizing || row.FinalizeWorkerID != worker {
			return false, CASAlreadyHeldByOther
		}
		row.Status = LayerReady
		return true, CASApplied
	})
	if err != nil || outcome != CASApplied {
		return outcome, err
	}

	setKey := c.key("layersets", project.String(), layerSet)
	return casJSON(c, setKey, func(row *LayerSet, exists bool) (bool, CASOutcome) {
		if !exists || row.BuildStatus.CurrentLayerID != layerID {
			return false, CASAlreadyHeldByOther
		}
		row.BuildStatus.CurrentLayerID = ids.Nil
		row.BuildStatus.LastLayerID = layerID
		return true, CASApplied
	})
}

func (c *Consul) CancelLayer(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID) (CASOutcome, error) {
	layerKey := c.key("layers", project.String(), layerSet, layerID.String())
	outcome, err := casJSON(c, layerKey, func(row *Layer, exists bool) (bool, CASOutcome) {
		if !exists || row.Status != LayerBuilding {
			return false, CASAlreadyHeldByOther
		}
		row.Status = LayerCancelled
		return true, CASApplied
	})
	if err != nil || outcome != CASApplied {
		return outcome, err
	}

	setKey := c.key("layersets", project.String(), layerSet)
	_, err = casJSON(c, setKey, func(row *LayerSet, exists bool) (bool, CASOutcome) {
		if !exists || row.BuildStatus.CurrentLayerID != layerID {
			return false, CASApplied // nothing to clear is not an error
		}
		row.BuildStatus.CurrentLayerID = ids.Nil
		return true, CASApplied
	})
	return CASApplied, err
}

func (c *Consul) GetPendingLayers(ctx context.Context, filter PendingFilter) ([]Layer, error) {
	prefix := c.key("layers") + "/"
	pairs, _, err := c.kv.List(prefix, &consul.QueryOptions{RequireConsistent: true})
	if err != nil {
		return nil, fmt.Errorf("metadata: consul list %s: %w", prefix, err)
	}

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
	for _, pair := range pairs {
		var l Layer
		if err := json.Unmarshal(pair.Value, &l); err != nil {
			continue
		}
		if l.Status != want {
			continue
		}
		leased := l.BuildWorkerID
		if want == LayerFinalizing {
			leased = l.FinalizeWorkerID
		}
		if leased.IsNil() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

func (c *Consul) CreateLayerChanges(ctx context.Context, changes []LayerChange) error {
	for _, ch := range changes {
		key := c.key("layerchanges", ch.Project.String(), ch.LayerSet, ch.LayerID.String(), ch.WorkerID.String(), ch.Path)
		if err := c.putJSON(key, ch); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consul) CreateLayerMembers(ctx context.Context, members []LayerMember) error {
	for _, mem := range members {
		key := c.key("layermembers", mem.Project.String(), mem.LayerSet, mem.LayerID.String(), mem.Path)
		if err := c.putJSON(key, mem); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consul) ListLayerChanges(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, worker ids.ID) ([]LayerChange, error) {
	prefix := c.key("layerchanges", project.String(), layerSet, layerID.String()) + "/"
	pairs, _, err := c.kv.List(prefix, &consul.QueryOptions{RequireConsistent: true})
	if err != nil {
		return nil, fmt.Errorf("metadata: consul list %s: %w", prefix, err)
	}
	var out []LayerChange
	for _, pair := range pairs {
		var ch LayerChange
		if err := json.Unmarshal(pair.Value, &ch); err != nil {
			continue
		}
		if worker.IsNil() || ch.WorkerID == worker {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (c *Consul) GetLayerMemberSummary(ctx context.Context, project ids.ID, layerSet string, layerID ids.ID, paths []string) ([]LayerMember, error) {
	prefix := c.key("layermembers", project.String(), layerSet) + "/"
	pairs, _, err := c.kv.List(prefix, &consul.QueryOptions{RequireConsistent: true})
	if err != nil {
		return nil, fmt.Errorf("metadata: consul list %s: %w", prefix, err)
	}

	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}

	best := make(map[string]LayerMember)
	for _, pair := range pairs {
		var mem LayerMember
		if err := json.Unmarshal(pair.Value, &mem); err != nil {
			continue
		}
		if !wanted[mem.Path] {
			continue
		}
		if mem.LayerID == layerID || mem.LayerID.Less(layerID) {
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

func (c *Consul) EnqueueBuild(ctx context.Context, msg BuildQueueMessage) error {
	return c.putJSON(c.key("buildqueue", msg.ID.String()), msg)
}

func (c *Consul) CreateCertificate(ctx context.Context, cert Certificate) error {
	return c.putJSON(c.key("certificates", cert.Project.String(), cert.Name), cert)
}

func (c *Consul) GetCertificate(ctx context.Context, project ids.ID, name string) (Certificate, error) {
	var cert Certificate
	_, err := c.getJSON(c.key("certificates", project.String(), name), &cert)
	return cert, err
}

func (c *Consul) GetQueuedCertificates(ctx context.Context, minuteMarks []time.Time) ([]Certificate, error) {
	prefix := c.key("certificates") + "/"
	pairs, _, err := c.kv.List(prefix, &consul.QueryOptions{RequireConsistent: true})
	if err != nil {
		return nil, fmt.Errorf("metadata: consul list %s: %w", prefix, err)
	}

	marks := make(map[int64]bool, len(minuteMarks))
	for _, t := range minuteMarks {
		marks[t.Unix()] = true
	}

	var out []Certificate
	for _, pair := range pairs {
		var cert Certificate
		if err := json.Unmarshal(pair.Value, &cert); err != nil {
			continue
		}
		if marks[cert.NextProcessingTime.Unix()] {
			out = append(out, cert)
		}
	}
	return out, nil
}

func (c *Consul) TakeCertificateLease(ctx context.Context, project ids.ID, name string, current, fallback time.Time) (CASOutcome, error) {
	key := c.key("certificates", project.String(), name)
	return casJSON(c, key, func(row *Certificate, exists bool) (bool, CASOutcome) {
		if !exists || !row.NextProcessingTime.Equal(current) {
			return false, CASAlreadyHeldByOther
		}
		row.NextProcessingTime = fallback
		return true, CASApplied
	})
}

func (c *Consul) SetCertificateNextProcessingTime(ctx context.Context, project ids.ID, name string, next time.Time) error {
	key := c.key("certificates", project.String(), name)
	var cert Certificate
	if _, err := c.getJSON(key, &cert); err != nil {
		return err
	}
	cert.NextProcessingTime = next
	return c.putJSON(key, cert)
}

func (c *Consul) GetCertificateRenewal(ctx context.Context, project ids.ID, name string) (CertificateRenewal, bool, error) {
	var r CertificateRenewal
	_, err := c.getJSON(c.key("certrenewals", project.String(), name), &r)
	if errs.Is(err, errs.KindNotFound) {
		return CertificateRenewal{}, false, nil
	}
	if err != nil {
		return CertificateRenewal{}, false, err
	}
	return r, true, nil
}

func (c *Consul) SetCertificateRenewal(ctx context.Context, r CertificateRenewal) error {
	return c.putJSON(c.key("certrenewals", r.Project.String(), r.Name), r)
}

func (c *Consul) ClearCertificateRenewal(ctx context.Context, project ids.ID, name string) error {
	_, err := c.kv.Delete(c.key("certrenewals", project.String(), name), nil)
	if err != nil {
		return fmt.Errorf("metadata: consul delete certrenewal: %w", err)
	}
	return nil
}

func (c *Consul) PutValidatedDomain(ctx context.Context, d ValidatedDomain) error {
	return c.putJSON(c.key("domains", string(d.FQDN)), d)
}

func (c *Consul) GetValidatedDomain(ctx context.Context, fqdn ids.FQDN) (ValidatedDomain, error) {
	var d ValidatedDomain
	_, err := c.getJSON(c.key("domains", string(fqdn)), &d)
	return d, err
}

func (c *Consul) PutAcmeChallenge(ctx context.Context, ch AcmeChallenge) error {
	key := c.key("acmechallenges", ch.AcmeDNSChallengeLabel, ch.CertificateName, ch.DNS01Token)
	return c.putJSON(key, ch)
}

func (c *Consul) GetAcmeDNS01Challenges(ctx context.Context, label string) ([]string, error) {
	prefix := c.key("acmechallenges", label) + "/"
	pairs, _, err := c.kv.List(prefix, &consul.QueryOptions{RequireConsistent: true})
	if err != nil {
		return nil, fmt.Errorf("metadata: consul list %s: %w", prefix, err)
	}

	now := time.Now()
	var out []string
	for _, pair := range pairs {
		var ch AcmeChallenge
		if err := json.Unmarshal(pair.Value, &ch); err != nil {
			continue
		}
		if now.Before(ch.ExpiresAt) {
			out = append(out, ch.DNS01Token)
		}
	}
	return out, nil
}
