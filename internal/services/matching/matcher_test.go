package matching

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WayB98/TIWatcher/internal/domain/models"
)

func testSnapshot() *IndicatorSnapshot {
	return NewIndicatorSnapshot([]models.Indicator{
		{ID: 1, Value: "203.0.113.7", Kind: models.KindIP, Enabled: true},
		{ID: 2, Value: "Evil.Example.COM", Kind: models.KindDomain, Enabled: true},
		{ID: 3, Value: "198.51.100.1", Kind: models.KindDomain, Enabled: true},
		{ID: 4, Value: "disabled.example", Kind: models.KindDomain, Enabled: false},
		{ID: 5, Value: "hash-abc", Kind: models.IndicatorKind("sha256"), Enabled: true},
		{ID: 6, Value: "2001:db8::1", Kind: models.KindDomain, Enabled: true},
		{ID: 7, Value: "2001:db8::2", Kind: models.KindIP, Enabled: true},
	})
}

func TestMatch(t *testing.T) {
	snap := testSnapshot()

	tests := []struct {
		name   string
		remote string
		wantID int64
		want   bool
	}{
		{"exact ip", "203.0.113.7", 1, true},
		{"ip with surrounding space", "  203.0.113.7\t", 1, true},
		{"ip with port is not an exact ip hit", "203.0.113.7:443", 0, false},
		{"domain case insensitive", "EVIL.example.com", 2, true},
		{"domain with port", "evil.example.com:8443", 2, true},
		{"domain with userinfo", "bob@evil.example.com", 2, true},
		{"ip listed as domain", "198.51.100.1:80", 3, true},
		{"subdomain does not match", "a.evil.example.com", 0, false},
		{"disabled indicator", "disabled.example", 0, false},
		{"unknown kind ignored", "hash-abc", 0, false},
		{"empty", "", 0, false},
		{"blank", "   ", 0, false},
		{"unparsable falls back to raw", "%zz", 0, false},
		{"no match", "192.0.2.1", 0, false},
		{"bracketed ipv6 with port", "[2001:db8::1]:443", 6, true},
		{"exact ipv6", "2001:db8::2", 7, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ind, ok := Match(tt.remote, snap)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.wantID, ind.ID)
		})
	}
}

func TestMatchNilSnapshot(t *testing.T) {
	_, ok := Match("203.0.113.7", nil)
	assert.False(t, ok)
	assert.Zero(t, (*IndicatorSnapshot)(nil).Len())
}

func TestSnapshotFirstDuplicateWins(t *testing.T) {
	snap := NewIndicatorSnapshot([]models.Indicator{
		{ID: 10, Value: "dup.example", Kind: models.KindDomain, Enabled: true},
		{ID: 11, Value: "DUP.example", Kind: models.KindDomain, Enabled: true},
	})
	require.Equal(t, 1, snap.Len())

	ind, ok := Match("dup.example", snap)
	require.True(t, ok)
	assert.Equal(t, int64(10), ind.ID)
}

func TestMatchConcurrent(t *testing.T) {
	snap := testSnapshot()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, ok := Match("evil.example.com", snap)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}
