// Package targets resolves a study definition into the fixed participant
// set of one batch: the participating organizations with fresh
// correlation keys and, on the record-linkage path, the trusted third
// party plus freshly minted bloom filter secrets.
package targets

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
)

// hmacKeyLength is the key length in bytes for both bigram HMAC keys.
const hmacKeyLength = 32

// OrganizationProvider resolves organization references from a study
// definition to known organization identifiers.
type OrganizationProvider interface {
	// Resolve returns the organization identifier for ref, or
	// feasibility.ErrReferenceNotFound.
	Resolve(ref string) (string, error)
}

// StaticOrganizationProvider resolves references from a fixed map.
type StaticOrganizationProvider map[string]string

// Resolve implements OrganizationProvider.
func (p StaticOrganizationProvider) Resolve(ref string) (string, error) {
	id, ok := p[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", feasibility.ErrReferenceNotFound, ref)
	}
	return id, nil
}

// Targets is the resolver output: the closed participant set of one
// batch. The TTP entry is nil on the count path, BloomFilterConfig is nil
// unless the study needs record linkage.
type Targets struct {
	Medics            []feasibility.Participant
	TTP               *feasibility.Participant
	BloomFilterConfig *feasibility.BloomFilterConfig
}

// Resolver computes the participant set of a batch.
type Resolver struct {
	orgs OrganizationProvider
	log  *logging.Logger
}

// NewResolver creates a resolver backed by the given organization
// provider.
func NewResolver(orgs OrganizationProvider, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Default()
	}
	return &Resolver{orgs: orgs, log: log.WithComponent("targets")}
}

// SelectRequestTargets is the push variant used by the leading site: it
// enumerates the organizations named in the study and mints one fresh
// correlation key per participant. The participant set is deterministic
// for a given study; the keys are not, they are batch scoped and never
// reused.
func (r *Resolver) SelectRequestTargets(study *feasibility.Study) (*Targets, error) {
	medics := make([]feasibility.Participant, 0, len(study.MedicRefs))
	for _, ref := range study.MedicRefs {
		orgID, err := r.orgs.Resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("resolving participating organization: %w", err)
		}
		medics = append(medics, feasibility.Participant{
			OrganizationID: orgID,
			CorrelationKey: newCorrelationKey(),
		})
	}

	out := &Targets{Medics: medics}

	if study.NeedsRecordLinkage {
		ttpID, err := r.orgs.Resolve(study.TTPRef)
		if err != nil {
			return nil, fmt.Errorf("resolving trusted third party: %w", err)
		}
		out.TTP = &feasibility.Participant{
			OrganizationID: ttpID,
			CorrelationKey: newCorrelationKey(),
		}

		cfg, err := newBloomFilterConfig()
		if err != nil {
			return nil, err
		}
		out.BloomFilterConfig = cfg
	}

	r.log.Debug("selected request targets", map[string]any{
		"study":   study.ID,
		"medics":  len(medics),
		"linkage": study.NeedsRecordLinkage,
	})
	return out, nil
}

// SelectResponseTarget is the pull variant used by a responding site: the
// leading site's message carries the correlation key assigned to this
// participant, and the response is addressed back to the leading
// organization under that key.
func (r *Resolver) SelectResponseTarget(leadingRef, correlationKey string) (feasibility.Participant, error) {
	orgID, err := r.orgs.Resolve(leadingRef)
	if err != nil {
		return feasibility.Participant{}, fmt.Errorf("resolving leading organization: %w", err)
	}
	return feasibility.Participant{OrganizationID: orgID, CorrelationKey: correlationKey}, nil
}

// newCorrelationKey mints a random, unguessable correlation key. The key
// is the only authorization a responder needs to attach its result, so
// it must come from a cryptographic random source.
func newCorrelationKey() string {
	return uuid.NewString()
}

// newBloomFilterConfig mints fresh record-linkage secrets for one study.
func newBloomFilterConfig() (*feasibility.BloomFilterConfig, error) {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("generating permutation seed: %w", err)
	}

	key1 := make([]byte, hmacKeyLength)
	if _, err := rand.Read(key1); err != nil {
		return nil, fmt.Errorf("generating hmac key: %w", err)
	}
	key2 := make([]byte, hmacKeyLength)
	if _, err := rand.Read(key2); err != nil {
		return nil, fmt.Errorf("generating hmac key: %w", err)
	}

	return &feasibility.BloomFilterConfig{
		PermutationSeed: int64(binary.BigEndian.Uint64(seed[:])),
		HmacSHA2Key:     key1,
		HmacSHA3Key:     key2,
	}, nil
}
