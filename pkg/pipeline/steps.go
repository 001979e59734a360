package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/openmedex/fedquery/pkg/aggregate"
	"github.com/openmedex/fedquery/pkg/collect"
	"github.com/openmedex/fedquery/pkg/config"
	"github.com/openmedex/fedquery/pkg/execute"
	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/linkage"
	"github.com/openmedex/fedquery/pkg/logging"
	"github.com/openmedex/fedquery/pkg/query"
	"github.com/openmedex/fedquery/pkg/targets"
)

// VarSubmissions holds the per-participant result groups before they
// reach the collector, keyed by correlation key.
const VarSubmissions = "submissions"

func studyVar(vars *Variables) (*feasibility.Study, error) {
	study, ok := Lookup[*feasibility.Study](vars, VarStudy)
	if !ok {
		return nil, fmt.Errorf("variable %s not set", VarStudy)
	}
	return study, nil
}

func targetsVar(vars *Variables) (*targets.Targets, error) {
	t, ok := Lookup[*targets.Targets](vars, VarTargets)
	if !ok {
		return nil, fmt.Errorf("variable %s not set", VarTargets)
	}
	return t, nil
}

// checkRequestStep fails the batch before anything is dispatched when
// the study violates the configured minimums. These are user errors,
// surfaced immediately; no site ever sees the request.
type checkRequestStep struct {
	cfg *config.Config
}

func (s *checkRequestStep) Name() string { return "check-request" }

func (s *checkRequestStep) Execute(ctx context.Context, vars *Variables) error {
	study, err := studyVar(vars)
	if err != nil {
		return err
	}

	if len(study.Cohorts) < s.cfg.MinCohortDefinitions {
		return fmt.Errorf("%w: study defines %d, %d required",
			feasibility.ErrNotEnoughCohorts, len(study.Cohorts), s.cfg.MinCohortDefinitions)
	}
	if len(study.MedicRefs) < s.cfg.MinParticipatingMedics {
		return fmt.Errorf("%w: study lists %d, %d required",
			feasibility.ErrNotEnoughMedics, len(study.MedicRefs), s.cfg.MinParticipatingMedics)
	}
	return nil
}

// selectTargetsStep resolves the participant set and mints the batch id.
type selectTargetsStep struct {
	resolver *targets.Resolver
}

func (s *selectTargetsStep) Name() string { return "select-targets" }

func (s *selectTargetsStep) Execute(ctx context.Context, vars *Variables) error {
	study, err := studyVar(vars)
	if err != nil {
		return err
	}

	resolved, err := s.resolver.SelectRequestTargets(study)
	if err != nil {
		return err
	}

	vars.Set(VarTargets, resolved)
	vars.Set(VarBatchID, uuid.NewString())
	return nil
}

// validateQueriesStep validates every cohort query and, on the
// identifier path, rewrites the count projection.
type validateQueriesStep struct {
	validator *query.Validator
}

func (s *validateQueriesStep) Name() string { return "validate-queries" }

func (s *validateQueriesStep) Execute(ctx context.Context, vars *Variables) error {
	study, err := studyVar(vars)
	if err != nil {
		return err
	}

	queries, audit := s.validator.ValidateAndRewrite(study.Cohorts, study.Mode())
	vars.Set(VarQueries, queries)
	AppendAudit(vars, audit...)
	return nil
}

// executeQueriesStep runs the validated queries at every participating
// site. A site without a reachable repository yields error-tagged
// results for all its cohorts instead of stalling the batch.
type executeQueriesStep struct {
	sites map[string]execute.Repository
	pool  *execute.Pool
	log   *logging.Logger
}

func (s *executeQueriesStep) Name() string { return "execute-queries" }

func (s *executeQueriesStep) Execute(ctx context.Context, vars *Variables) error {
	study, err := studyVar(vars)
	if err != nil {
		return err
	}
	resolved, err := targetsVar(vars)
	if err != nil {
		return err
	}
	queries, ok := Lookup[map[string]string](vars, VarQueries)
	if !ok {
		return fmt.Errorf("variable %s not set", VarQueries)
	}

	mode := study.Mode()
	submissions := make(map[string][]feasibility.SiteResult, len(resolved.Medics))

	for _, medic := range resolved.Medics {
		repo, reachable := s.sites[medic.OrganizationID]
		if !reachable {
			results := make([]feasibility.SiteResult, 0, len(queries))
			for cohortID := range queries {
				results = append(results, feasibility.NewErrorResult(
					medic.OrganizationID, cohortID, "data repository unreachable"))
			}
			submissions[medic.CorrelationKey] = results
			continue
		}

		executor := execute.NewExecutor(medic.OrganizationID, repo, s.log)
		submissions[medic.CorrelationKey] = executor.ExecuteAll(ctx, queries, mode, s.pool)
	}

	vars.Set(VarSubmissions, submissions)
	return nil
}

// generateFiltersStep pseudonymizes each site's identifier rows into
// record bloom filters before anything leaves the site. Count-mode
// batches pass through untouched.
type generateFiltersStep struct {
	cfg *config.Config
	log *logging.Logger
}

func (s *generateFiltersStep) Name() string { return "generate-bloom-filters" }

func (s *generateFiltersStep) Execute(ctx context.Context, vars *Variables) error {
	study, err := studyVar(vars)
	if err != nil {
		return err
	}
	if study.Mode() != feasibility.IdentifierMode {
		return nil
	}
	resolved, err := targetsVar(vars)
	if err != nil {
		return err
	}
	if resolved.BloomFilterConfig == nil {
		return fmt.Errorf("identifier mode without bloom filter configuration")
	}
	submissions, ok := Lookup[map[string][]feasibility.SiteResult](vars, VarSubmissions)
	if !ok {
		return fmt.Errorf("variable %s not set", VarSubmissions)
	}

	bfc := resolved.BloomFilterConfig
	for key, results := range submissions {
		// One generator per site, mirroring local pseudonymization:
		// sites never share hasher state, only the key material.
		gen, err := linkage.NewRecordFilterGenerator(
			s.cfg.BloomFilterLength, bfc.PermutationSeed,
			s.cfg.RecordLinkageFieldWeights, s.cfg.RecordLinkageFieldLengths,
			linkage.NewHmacSha2Sha3Hasher(bfc.HmacSHA2Key, bfc.HmacSHA3Key))
		if err != nil {
			return err
		}
		translator := linkage.NewTranslator(gen)

		for i, r := range results {
			if r.Kind != feasibility.IDResult {
				continue
			}

			filters, errs := translator.Translate(r.Set)
			for _, terr := range errs {
				AppendAudit(vars, feasibility.AuditRecord{
					Code:    feasibility.CodeTranslationError,
					Message: fmt.Sprintf("cohort %s: %v", r.CohortID, terr),
				})
			}

			encoded, err := linkage.EncodeFilters(filters)
			if err != nil {
				return err
			}
			results[i] = feasibility.NewIDResult(r.SiteID, r.CohortID, encoded)
		}
		submissions[key] = results
	}
	return nil
}

// storeResultsStep hands each participant's submission to the collector
// under its correlation key. Rejections are protocol anomalies already
// logged by the collector; they never fail the batch.
type storeResultsStep struct {
	collector *collect.Collector
}

func (s *storeResultsStep) Name() string { return "store-results" }

func (s *storeResultsStep) Execute(ctx context.Context, vars *Variables) error {
	submissions, ok := Lookup[map[string][]feasibility.SiteResult](vars, VarSubmissions)
	if !ok {
		return fmt.Errorf("variable %s not set", VarSubmissions)
	}

	for key, results := range submissions {
		_ = s.collector.RecordAll(key, results)
	}
	return nil
}

// collectResultsStep forces the collector to terminal and publishes the
// accepted results. An external deadline reaching a Partial batch ends
// up here as well; the privacy gate downstream decides whether the
// partial set suffices.
type collectResultsStep struct {
	collector *collect.Collector
}

func (s *collectResultsStep) Name() string { return "collect-results" }

func (s *collectResultsStep) Execute(ctx context.Context, vars *Variables) error {
	vars.Set(VarQueryResults, s.collector.Force())
	return nil
}

// executeRecordLinkStep is the TTP leg: decode the uploaded filter sets
// per cohort and produce deduplicated distinct counts.
type executeRecordLinkStep struct {
	matcher *linkage.Matcher
}

func (s *executeRecordLinkStep) Name() string { return "execute-record-link" }

func (s *executeRecordLinkStep) Execute(ctx context.Context, vars *Variables) error {
	results, ok := Lookup[[]feasibility.SiteResult](vars, VarQueryResults)
	if !ok {
		return fmt.Errorf("variable %s not set", VarQueryResults)
	}

	groups, audit := aggregate.GroupByCohort(results)
	AppendAudit(vars, audit...)

	cohortIDs := make([]string, 0, len(groups))
	for id := range groups {
		cohortIDs = append(cohortIDs, id)
	}
	sort.Strings(cohortIDs)

	final := make([]feasibility.CohortResult, 0, len(cohortIDs))
	for _, cohortID := range cohortIDs {
		lists := make([][]*linkage.Person, 0, len(groups[cohortID]))
		for _, r := range groups[cohortID] {
			if r.Kind != feasibility.IDResult || r.Set == nil {
				continue
			}
			persons, errs := linkage.DecodePersons(r.SiteID, r.Set)
			for _, derr := range errs {
				AppendAudit(vars, feasibility.AuditRecord{
					Code:    feasibility.CodeTranslationError,
					Message: fmt.Sprintf("cohort %s: %v", cohortID, derr),
				})
			}
			lists = append(lists, persons)
		}
		final = append(final, s.matcher.LinkCohort(cohortID, lists))
	}

	vars.Set(VarFinalResults, final)
	return nil
}

// aggregateResultsStep is the count-mode aggregation leg.
type aggregateResultsStep struct {
	aggregator *aggregate.Aggregator
}

func (s *aggregateResultsStep) Name() string { return "aggregate-results" }

func (s *aggregateResultsStep) Execute(ctx context.Context, vars *Variables) error {
	results, ok := Lookup[[]feasibility.SiteResult](vars, VarQueryResults)
	if !ok {
		return fmt.Errorf("variable %s not set", VarQueryResults)
	}

	final, audit := s.aggregator.Aggregate(results)
	vars.Set(VarFinalResults, final)
	AppendAudit(vars, audit...)
	return nil
}

// checkResultsStep applies the k-anonymity gate. A batch without a
// single surviving cohort fails hard here.
type checkResultsStep struct {
	gate *aggregate.Gate
}

func (s *checkResultsStep) Name() string { return "check-results" }

func (s *checkResultsStep) Execute(ctx context.Context, vars *Variables) error {
	final, ok := Lookup[[]feasibility.CohortResult](vars, VarFinalResults)
	if !ok {
		return fmt.Errorf("variable %s not set", VarFinalResults)
	}

	kept, audit, err := s.gate.Filter(final)
	AppendAudit(vars, audit...)
	vars.Set(VarFinalResults, kept)
	return err
}
