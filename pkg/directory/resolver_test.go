package directory

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver(t *testing.T, entries ...Entry) *Resolver {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := NewMemoryStore()
	for _, e := range entries {
		store.Put("staff", e)
	}

	return NewResolver(logger, store, ResolverConfig{
		Partition: "staff",
		CacheTTL:  time.Minute,
		CacheSize: 100,
	})
}

func TestResolveExactKeyWithDepartment(t *testing.T) {
	r := testResolver(t, Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})

	match, err := r.Resolve(context.Background(), "Adrian Baker", "IT")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, match.Status)
	assert.Equal(t, "adrian.baker@example.com", match.Email)
	assert.Equal(t, "adrianbaker_it", match.MatchedKey)
	assert.Equal(t, "IT", match.Department)
}

func TestResolvePrefixScanSingleHit(t *testing.T) {
	r := testResolver(t, Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})

	// No department spoken: prefix scan finds the lone entry
	match, err := r.Resolve(context.Background(), "Adrian Baker", "")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, match.Status)
	assert.Equal(t, "adrian.baker@example.com", match.Email)
}

func TestResolveMultipleDepartments(t *testing.T) {
	r := testResolver(t,
		Entry{Key: "johnsmith_sales", Name: "John Smith", Department: "Sales",
			Email: "john.smith.sales@example.com"},
		Entry{Key: "johnsmith_support", Name: "John Smith", Department: "Support",
			Email: "john.smith.support@example.com"},
	)

	match, err := r.Resolve(context.Background(), "John Smith", "")
	require.NoError(t, err)
	assert.Equal(t, StatusMultipleFound, match.Status)
	assert.ElementsMatch(t, []string{"Sales", "Support"}, match.CandidateDepartments)
	assert.Empty(t, match.Email, "no email may leak before the department is disambiguated")
}

func TestResolveHighConfidenceFuzzyAutoAuthorizes(t *testing.T) {
	r := testResolver(t, Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})
	r.SetScoreFunc(func(query, candidate string) float64 { return 0.96 })

	match, err := r.Resolve(context.Background(), "Aidriann Bakker", "")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, match.Status)
	assert.Equal(t, "adrian.baker@example.com", match.Email)
	assert.InDelta(t, 0.96, match.Confidence, 1e-9)
}

func TestResolveMidConfidenceNeedsConfirmation(t *testing.T) {
	r := testResolver(t, Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})
	r.SetScoreFunc(func(query, candidate string) float64 { return 0.80 })

	match, err := r.Resolve(context.Background(), "Adrienne Barker", "")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmationNeeded, match.Status)
	assert.Equal(t, "Adrian Baker", match.CandidateName)
	assert.Equal(t, "IT", match.Department)
	assert.InDelta(t, 0.80, match.Confidence, 1e-9)
	assert.Empty(t, match.Email, "no email may leak before confirmation")
}

func TestResolveLowConfidenceNotFound(t *testing.T) {
	r := testResolver(t, Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})
	r.SetScoreFunc(func(query, candidate string) float64 { return 0.72 })

	match, err := r.Resolve(context.Background(), "Zeb Quill", "")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, match.Status)
}

func TestResolveInvalidEmailNeverAuthorizes(t *testing.T) {
	r := testResolver(t, Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "not-an-email",
	})
	r.SetScoreFunc(func(query, candidate string) float64 { return 0.95 })

	match, err := r.Resolve(context.Background(), "Adrian Baker", "")
	require.NoError(t, err)
	assert.Equal(t, StatusNotAuthorized, match.Status)
	assert.Empty(t, match.Email)
	assert.Equal(t, 0, r.CacheSize(), "unauthorized results must not be cached")
}

func TestResolveMissingDepartmentFallsThroughToFuzzy(t *testing.T) {
	r := testResolver(t, Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})

	// Wrong department spoken: the exact key misses but the near-certain
	// fuzzy hit must be confirmed, not silently re-routed
	match, err := r.Resolve(context.Background(), "Adrian Baker", "Sales")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmationNeeded, match.Status)
	assert.Equal(t, "Adrian Baker", match.CandidateName)
	assert.Equal(t, "IT", match.Department)
}

func TestResolveCachesAuthorizedResults(t *testing.T) {
	store := NewMemoryStore()
	store.Put("staff", Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r := NewResolver(logger, store, ResolverConfig{
		Partition: "staff", CacheTTL: time.Minute, CacheSize: 100,
	})

	match, err := r.Resolve(context.Background(), "Adrian Baker", "IT")
	require.NoError(t, err)
	require.Equal(t, StatusAuthorized, match.Status)
	require.Equal(t, 1, r.CacheSize())

	// Second resolution is served from cache even if the store is wiped
	r.store = NewMemoryStore()
	match, err = r.Resolve(context.Background(), "Adrian Baker", "IT")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, match.Status)
	assert.Equal(t, "adrian.baker@example.com", match.Email)
}

func TestRevokedEmailEvictsCachedAuthorization(t *testing.T) {
	store := NewMemoryStore()
	store.Put("staff", Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r := NewResolver(logger, store, ResolverConfig{
		Partition: "staff", CacheTTL: time.Hour, CacheSize: 100,
	})

	match, err := r.Resolve(context.Background(), "Adrian Baker", "IT")
	require.NoError(t, err)
	require.Equal(t, StatusAuthorized, match.Status)
	require.Equal(t, 1, r.CacheSize())

	// The directory revokes the address out from under the cached grant
	store.Put("staff", Entry{Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT"})

	match, err = r.ConfirmFuzzyMatch(context.Background(), "Adrian Baker", "IT")
	require.NoError(t, err)
	assert.Equal(t, StatusNotAuthorized, match.Status)
	assert.Equal(t, 0, r.CacheSize(), "the stale cached authorization is evicted")

	match, err = r.Resolve(context.Background(), "Adrian Baker", "IT")
	require.NoError(t, err)
	assert.Equal(t, StatusNotAuthorized, match.Status, "no stale grant survives the revocation")
}

func TestConfirmFuzzyMatch(t *testing.T) {
	r := testResolver(t, Entry{
		Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
		Email: "adrian.baker@example.com",
	})

	match, err := r.ConfirmFuzzyMatch(context.Background(), "Adrian Baker", "IT")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, match.Status)
	assert.Equal(t, "adrian.baker@example.com", match.Email)
	assert.Equal(t, 1, r.CacheSize(), "confirmed matches are cached")

	match, err = r.ConfirmFuzzyMatch(context.Background(), "Nobody Here", "IT")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, match.Status)
}

func TestResolveReceptionistScenario(t *testing.T) {
	// Caller Jack Jones asks for Adrian Baker without naming a department
	r := testResolver(t,
		Entry{Key: "adrianbaker_it", Name: "Adrian Baker", Department: "IT",
			Email: "adrian.baker@example.com"},
		Entry{Key: "johnsmith_sales", Name: "John Smith", Department: "Sales",
			Email: "john.smith.sales@example.com"},
		Entry{Key: "johnsmith_support", Name: "John Smith", Department: "Support",
			Email: "john.smith.support@example.com"},
	)

	match, err := r.Resolve(context.Background(), "Adrian Baker", "")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, match.Status)
	assert.Equal(t, "IT", match.Department)

	match, err = r.Resolve(context.Background(), "John Smith", "")
	require.NoError(t, err)
	assert.Equal(t, StatusMultipleFound, match.Status)
	assert.ElementsMatch(t, []string{"Sales", "Support"}, match.CandidateDepartments)

	match, err = r.Resolve(context.Background(), "John Smith", "Sales")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, match.Status)
	assert.Equal(t, "john.smith.sales@example.com", match.Email)
}

func TestResolveEmptyName(t *testing.T) {
	r := testResolver(t)

	match, err := r.Resolve(context.Background(), "   ", "")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, match.Status)
}
