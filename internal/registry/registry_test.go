package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfigs() []TargetConfig {
	return []TargetConfig{
		{Code: TRT3, AccessMode: AccessUnified, System: "PJE", BaseURL: "https://pje.trt3.jus.br"},
		{Code: TRT2, AccessMode: AccessFirstInstance, System: "PJE", BaseURL: "https://pje.trt2.jus.br"},
		{Code: TRT15, AccessMode: AccessSecondInstance, System: "PJE", BaseURL: "https://pje.trt15.jus.br"},
		{Code: TST, AccessMode: AccessSingle, System: "PJE", BaseURL: "https://jurisprudencia.tst.jus.br"},
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewStatic(testConfigs())

	t.Run("known target", func(t *testing.T) {
		cfg, err := r.Resolve(context.Background(), TRT3)
		require.NoError(t, err)
		assert.Equal(t, TRT3, cfg.Code)
		assert.Equal(t, AccessUnified, cfg.AccessMode)
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), TribunalCode("TRT99"))
		assert.ErrorIs(t, err, ErrTargetNotFound)
	})
}

func TestRegistry_LoadsOnce(t *testing.T) {
	store := &countingStore{configs: testConfigs()}
	r := New(store)

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), TRT3)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, store.calls, "configs should be loaded once and memoized")
}

type countingStore struct {
	configs []TargetConfig
	calls   int
}

func (s *countingStore) LoadTargetConfigs(ctx context.Context) ([]TargetConfig, error) {
	s.calls++
	return s.configs, nil
}

func TestAllows(t *testing.T) {
	cases := []struct {
		mode    AccessMode
		level   InstanceLevel
		allowed bool
	}{
		{AccessFirstInstance, FirstInstance, true},
		{AccessFirstInstance, SecondInstance, false},
		{AccessFirstInstance, SuperiorCourt, false},
		{AccessSecondInstance, SecondInstance, true},
		{AccessSecondInstance, FirstInstance, false},
		{AccessUnified, FirstInstance, true},
		{AccessUnified, SecondInstance, true},
		{AccessUnified, SuperiorCourt, false},
		{AccessSingle, SuperiorCourt, true},
		{AccessSingle, FirstInstance, false},
		{AccessSingle, SecondInstance, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, Allows(tc.mode, tc.level),
			"mode=%s level=%s", tc.mode, tc.level)
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := NewStatic(testConfigs())

	t.Run("valid pairs resolve", func(t *testing.T) {
		for _, cfg := range testConfigs() {
			for _, level := range ValidLevels(cfg.AccessMode) {
				_, err := r.Validate(context.Background(), cfg.Code, level)
				assert.NoError(t, err, "code=%s level=%s", cfg.Code, level)
			}
		}
	})

	t.Run("invalid level rejected", func(t *testing.T) {
		_, err := r.Validate(context.Background(), TST, FirstInstance)
		assert.ErrorIs(t, err, ErrInvalidInstanceLevel)

		_, err = r.Validate(context.Background(), TRT2, SecondInstance)
		assert.ErrorIs(t, err, ErrInvalidInstanceLevel)
	})

	t.Run("unknown target rejected", func(t *testing.T) {
		_, err := r.Validate(context.Background(), TribunalCode("STF"), FirstInstance)
		assert.ErrorIs(t, err, ErrTargetNotFound)
	})
}

func TestTribunalCode_IsValid(t *testing.T) {
	assert.True(t, TRT1.IsValid())
	assert.True(t, TRT24.IsValid())
	assert.True(t, TST.IsValid())
	assert.False(t, TribunalCode("TRT25").IsValid())
	assert.False(t, TribunalCode("").IsValid())
}
