package directory

import (
	"context"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/metrics"
)

// MatchStatus classifies the outcome of a name resolution
type MatchStatus string

const (
	StatusAuthorized         MatchStatus = "authorized"
	StatusNotAuthorized      MatchStatus = "not_authorized"
	StatusMultipleFound      MatchStatus = "multiple_found"
	StatusNotFound           MatchStatus = "not_found"
	StatusConfirmationNeeded MatchStatus = "confirmation_needed"
)

// Match is the result of resolving a spoken name against the directory
type Match struct {
	Status MatchStatus

	// Email and MatchedKey are set iff Status is Authorized
	Email      string
	MatchedKey string
	Department string

	// CandidateName and Confidence are set for ConfirmationNeeded and for
	// fuzzy-path authorizations
	CandidateName string
	Confidence    float64

	// CandidateDepartments is set iff Status is MultipleFound
	CandidateDepartments []string
}

// ResolverConfig holds resolution policy
type ResolverConfig struct {
	Partition string

	// Confidence tiers. Full automatic trust is reserved for near-exact
	// matches; mid-confidence matches require a verbal confirmation
	// round-trip instead of blind trust or blind rejection.
	MinScore         float64
	ConfirmThreshold float64
	AutoAuthorize    float64

	// ClearWinnerMargin is the minimum score gap for a best fuzzy candidate
	// to beat the runner-up outright
	ClearWinnerMargin float64

	CacheTTL  time.Duration
	CacheSize int
}

// ScoreFunc scores a query name against a candidate name
type ScoreFunc func(query, candidate string) float64

// Resolver resolves a spoken name (plus optional department) to an
// authorization decision: exact key lookup first, then prefix scan, then the
// composite fuzzy pass with confidence tiers. Authorized results are
// memoized; the cache is never a correctness dependency.
type Resolver struct {
	logger  *logrus.Logger
	store   Store
	matcher *Matcher
	cache   *lookupCache
	config  ResolverConfig
	score   ScoreFunc
}

// NewResolver creates a directory resolver
func NewResolver(logger *logrus.Logger, store Store, config ResolverConfig) *Resolver {
	if config.Partition == "" {
		config.Partition = "staff"
	}
	if config.MinScore <= 0 {
		config.MinScore = 0.7
	}
	if config.ConfirmThreshold <= 0 {
		config.ConfirmThreshold = 0.75
	}
	if config.AutoAuthorize <= 0 {
		config.AutoAuthorize = 0.95
	}
	if config.ClearWinnerMargin <= 0 {
		config.ClearWinnerMargin = 0.1
	}

	matcher := NewMatcher()
	return &Resolver{
		logger:  logger,
		store:   store,
		matcher: matcher,
		cache:   newLookupCache(config.CacheSize, config.CacheTTL),
		config:  config,
		score:   matcher.Score,
	}
}

// SetScoreFunc replaces the similarity scorer. Used by tests to pin scores.
func (r *Resolver) SetScoreFunc(fn ScoreFunc) {
	if fn != nil {
		r.score = fn
	}
}

// Resolve resolves a spoken name to an authorization decision
func (r *Resolver) Resolve(ctx context.Context, name, department string) (Match, error) {
	start := time.Now()
	match, err := r.resolve(ctx, name, department)
	metrics.ObserveHistogram(metrics.ResolverLatency, time.Since(start).Seconds())
	if err == nil {
		metrics.IncCounterVec(metrics.DirectoryLookups, string(match.Status))
	}
	return match, err
}

func (r *Resolver) resolve(ctx context.Context, name, department string) (Match, error) {
	normalizedName := NormalizeName(name)
	if normalizedName == "" {
		return Match{Status: StatusNotFound}, nil
	}

	cacheKey := EntryKey(name, department)
	if cached, hit := r.cache.get(cacheKey); hit {
		return Match{
			Status:     StatusAuthorized,
			Email:      cached.email,
			MatchedKey: cached.matchedKey,
			Department: cached.department,
		}, nil
	}

	if department != "" {
		match, found, err := r.exactLookup(ctx, name, department)
		if err != nil {
			return Match{}, err
		}
		if found {
			return match, nil
		}
		// A missed exact key is not NotFound yet: the spoken department or
		// name may itself be mis-transcribed, so fall through to fuzzy.
		return r.fuzzyLookup(ctx, name, department)
	}

	entries, err := r.store.ScanByKeyPrefix(ctx, r.config.Partition, normalizedName)
	if err != nil {
		return Match{}, errors.NewDirectoryUnavailable("prefix scan failed",
			map[string]interface{}{"prefix": normalizedName})
	}

	switch len(entries) {
	case 0:
		return r.fuzzyLookup(ctx, name, "")
	case 1:
		match := r.authorizeEntry(entries[0], cacheKey, 1)
		return match, nil
	default:
		return Match{
			Status:               StatusMultipleFound,
			CandidateDepartments: distinctDepartments(entries),
		}, nil
	}
}

// exactLookup runs the exact-key path. found is false on a clean miss.
func (r *Resolver) exactLookup(ctx context.Context, name, department string) (Match, bool, error) {
	key := EntryKey(name, department)

	entry, err := r.store.GetByKey(ctx, r.config.Partition, key)
	if err != nil {
		return Match{}, false, errors.NewDirectoryUnavailable("exact lookup failed",
			map[string]interface{}{"key": key})
	}
	if entry == nil {
		return Match{}, false, nil
	}

	return r.authorizeEntry(*entry, key, 1), true, nil
}

// fuzzyLookup scores the full directory against the query name
func (r *Resolver) fuzzyLookup(ctx context.Context, name, department string) (Match, error) {
	entries, err := r.store.ScanByKeyPrefix(ctx, r.config.Partition, "")
	if err != nil {
		return Match{}, errors.NewDirectoryUnavailable("directory load failed", nil)
	}

	type candidate struct {
		entry Entry
		score float64
	}

	var candidates []candidate
	for _, entry := range entries {
		s := r.score(name, candidateName(entry))
		if s > r.config.MinScore {
			candidates = append(candidates, candidate{entry: entry, score: s})
		}
	}

	if len(candidates) == 0 {
		return Match{Status: StatusNotFound}, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	best := candidates[0]

	// No single clear winner among close candidates
	if len(candidates) >= 2 && best.score-candidates[1].score < r.config.ClearWinnerMargin {
		var contenders []Entry
		for _, c := range candidates {
			if best.score-c.score < r.config.ClearWinnerMargin {
				contenders = append(contenders, c.entry)
			}
		}
		if depts := distinctDepartments(contenders); len(depts) > 1 {
			return Match{Status: StatusMultipleFound, CandidateDepartments: depts}, nil
		}
	}

	if best.score >= r.config.AutoAuthorize {
		if department != "" &&
			NormalizeDepartment(department) != NormalizeDepartment(best.entry.Department) {
			// Near-certain name, wrong department: confirm rather than
			// risk mis-routing a message
			return r.confirmationNeeded(best.entry, best.score), nil
		}
		cacheKey := EntryKey(name, department)
		match := r.authorizeEntry(best.entry, cacheKey, best.score)
		return match, nil
	}

	if best.score > r.config.ConfirmThreshold {
		return r.confirmationNeeded(best.entry, best.score), nil
	}

	return Match{Status: StatusNotFound}, nil
}

// ConfirmFuzzyMatch re-runs the exact-key path with a caller-confirmed name
// and department. Only a confirmed match may be cached.
func (r *Resolver) ConfirmFuzzyMatch(ctx context.Context, confirmedName, department string) (Match, error) {
	match, found, err := r.exactLookup(ctx, confirmedName, department)
	if err != nil {
		return Match{}, err
	}
	if !found {
		metrics.IncCounterVec(metrics.DirectoryLookups, string(StatusNotFound))
		return Match{Status: StatusNotFound}, nil
	}
	metrics.IncCounterVec(metrics.DirectoryLookups, string(match.Status))
	return match, nil
}

// CacheSize returns the number of live cached resolutions
func (r *Resolver) CacheSize() int {
	return r.cache.size()
}

// authorizeEntry grades an entry's email and caches authorized results.
// An entry with a missing or invalid email downgrades to NotAuthorized even
// when the name matched exactly.
func (r *Resolver) authorizeEntry(entry Entry, cacheKey string, confidence float64) Match {
	if !isValidEmail(entry.Email) {
		r.logger.WithFields(logrus.Fields{
			"key":   entry.Key,
			"email": entry.Email,
		}).Warn("Directory entry matched but has no valid email")
		// A previously cached authorization for this key is now stale
		r.cache.invalidate(cacheKey)
		return Match{Status: StatusNotAuthorized, Department: entry.Department}
	}

	r.cache.set(cacheKey, entry.Email, entry.Key, entry.Department)

	return Match{
		Status:        StatusAuthorized,
		Email:         entry.Email,
		MatchedKey:    entry.Key,
		Department:    entry.Department,
		CandidateName: candidateName(entry),
		Confidence:    confidence,
	}
}

func (r *Resolver) confirmationNeeded(entry Entry, score float64) Match {
	return Match{
		Status:        StatusConfirmationNeeded,
		CandidateName: candidateName(entry),
		Department:    entry.Department,
		Confidence:    score,
	}
}

// candidateName prefers the display name, falling back to the key's name part
func candidateName(entry Entry) string {
	if entry.Name != "" {
		return entry.Name
	}
	if idx := strings.LastIndex(entry.Key, "_"); idx > 0 {
		return entry.Key[:idx]
	}
	return entry.Key
}

// distinctDepartments returns the unique departments across entries,
// preserving first-seen order
func distinctDepartments(entries []Entry) []string {
	seen := make(map[string]bool)
	var departments []string
	for _, entry := range entries {
		if entry.Department == "" || seen[entry.Department] {
			continue
		}
		seen[entry.Department] = true
		departments = append(departments, entry.Department)
	}
	return departments
}

// isValidEmail checks syntactic validity of a recipient address
func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	at := strings.LastIndex(addr.Address, "@")
	if at < 1 {
		return false
	}
	return strings.Contains(addr.Address[at:], ".")
}
