package server

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var testCatalog = Catalog{
	"grunt":  {Health: 30, Speed: 0.6},
	"runner": {Health: 15, Speed: 1.2},
}

func enemyAt(id string, x, y float64) EnemyState {
	return EnemyState{ID: id, Type: "grunt", X: x, Y: y, Health: 30, MaxHealth: 30, Speed: 0.6}
}

func ids(r *Reconciler) []string {
	var out []string
	for _, e := range r.Entities() {
		out = append(out, e.ID)
	}
	sort.Strings(out)
	return out
}

func newTestReconciler() *Reconciler {
	return NewReconciler(testCatalog, Smoothing{Factor: DefaultSmoothingFactor}, nil)
}

func TestMembershipConvergence(t *testing.T) {
	r := newTestReconciler()
	res := r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 0, 0), enemyAt("e2", 0, 0)}, Timestamp: 1})
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, []string{"e1", "e2"}, ids(r))

	e2, ok := r.Get("e2")
	require.True(t, ok)

	res = r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e2", 0, 0), enemyAt("e3", 0, 0)}, Timestamp: 2})
	assert.Equal(t, ReconcileResult{Created: 1, Updated: 1, Removed: 1}, res)
	assert.Equal(t, []string{"e2", "e3"}, ids(r))

	again, _ := r.Get("e2")
	assert.Same(t, e2, again, "retained entity keeps its local object")
}

func TestEmptySnapshotRemovesEverything(t *testing.T) {
	r := newTestReconciler()
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 0, 0)}})
	res := r.Apply(&Snapshot{})
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 0, r.Len())
}

func TestPositionSmoothing(t *testing.T) {
	r := newTestReconciler()
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 0, 0)}})
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 100, -50)}})

	e, _ := r.Get("e1")
	assert.InDelta(t, 30.0, e.X, 1e-9)
	assert.InDelta(t, -15.0, e.Y, 1e-9)

	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 100, -50)}})
	assert.InDelta(t, 51.0, e.X, 1e-9)
}

func TestSmoothingScaledByInterval(t *testing.T) {
	r := NewReconciler(testCatalog, Smoothing{Factor: 0.3, ReferenceInterval: 50 * time.Millisecond}, nil)
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 0, 0)}, Timestamp: 1000})
	// 两个参考间隔：1 - 0.7^2 = 0.51
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 100, 0)}, Timestamp: 1100})
	e, _ := r.Get("e1")
	assert.InDelta(t, 51.0, e.X, 1e-9)

	// 一个参考间隔与固定系数一致
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 51, 0)}, Timestamp: 1150})
	assert.InDelta(t, 51.0, e.X, 1e-9)
}

func TestHealthIsAuthoritative(t *testing.T) {
	r := newTestReconciler()
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 0, 0)}})
	e, _ := r.Get("e1")
	e.Health = 50 // 本地预测伤害

	st := enemyAt("e1", 0, 0)
	st.Health, st.MaxHealth = 80, 120
	r.Apply(&Snapshot{Enemies: []EnemyState{st}})
	assert.Equal(t, 80.0, e.Health)
	assert.Equal(t, 120.0, e.MaxHealth)
}

func TestDeathTransitionFiresOnce(t *testing.T) {
	r := newTestReconciler()
	var deaths []string
	r.OnDeath = func(e *LocalEntity) { deaths = append(deaths, e.ID) }

	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 0, 0)}})
	dead := enemyAt("e1", 0, 0)
	dead.IsDead, dead.Health = true, 4
	r.Apply(&Snapshot{Enemies: []EnemyState{dead}})
	r.Apply(&Snapshot{Enemies: []EnemyState{dead}})

	e, _ := r.Get("e1")
	assert.True(t, e.IsDead)
	assert.Equal(t, []string{"e1"}, deaths)
}

func TestIdentityAssignedByServer(t *testing.T) {
	var minted string
	factory := EntityFactoryFunc(func(kind string, x, y float64) (*LocalEntity, error) {
		e, err := testCatalog.Create(kind, x, y)
		if e != nil {
			minted = e.ID
		}
		return e, err
	})
	r := NewReconciler(factory, Smoothing{Factor: 0.3}, nil)

	st := enemyAt("e7", 12, 34)
	st.Health, st.MaxHealth, st.Speed = 9, 40, 2.5
	res := r.Apply(&Snapshot{Enemies: []EnemyState{st}})
	require.Equal(t, 1, res.Created)

	e, ok := r.Get("e7")
	require.True(t, ok)
	assert.Equal(t, "e7", e.ID)
	assert.NotEqual(t, minted, e.ID)
	assert.Equal(t, 12.0, e.X)
	assert.Equal(t, 34.0, e.Y)
	assert.Equal(t, 9.0, e.Health)
	assert.Equal(t, 40.0, e.MaxHealth)
	assert.Equal(t, 2.5, e.Speed)
}

func TestUnknownTypeSkippedAndSelfHeals(t *testing.T) {
	log, logs := observedLogger(zapcore.WarnLevel)
	r := NewReconciler(testCatalog, Smoothing{Factor: 0.3}, log)

	st := enemyAt("e1", 0, 0)
	st.Type = "dragon"
	res := r.Apply(&Snapshot{Enemies: []EnemyState{st}})
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, logs.FilterMessage("entity creation skipped").Len())

	st.Type = "runner"
	res = r.Apply(&Snapshot{Enemies: []EnemyState{st}})
	assert.Equal(t, 1, res.Created)
}

func TestInvalidEntryRetainedButNotUpdated(t *testing.T) {
	r := newTestReconciler()
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 10, 10)}})

	res := r.Apply(&Snapshot{Rejected: []RejectedEnemy{{ID: "e1", Reason: ErrInvalidEnemy}}})
	assert.Equal(t, ReconcileResult{Skipped: 1}, res)
	e, ok := r.Get("e1")
	require.True(t, ok)
	assert.Equal(t, 10.0, e.X)

	bad := enemyAt("e1", 10, 10)
	bad.Type = ""
	res = r.Apply(&Snapshot{Enemies: []EnemyState{bad}})
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, r.Len())
}

func TestDuplicateIDsApplyOnce(t *testing.T) {
	r := newTestReconciler()
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 0, 0)}})
	res := r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 100, 0), enemyAt("e1", 100, 0)}})
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	e, _ := r.Get("e1")
	assert.InDelta(t, 30.0, e.X, 1e-9)
}

func TestWaveNotifiedOnlyOnChange(t *testing.T) {
	r := newTestReconciler()
	var waves []int
	r.OnWave = func(w int) { waves = append(waves, w) }
	w1, w2 := 1, 2

	assert.True(t, r.Apply(&Snapshot{Wave: &w1}).WaveChanged)
	assert.False(t, r.Apply(&Snapshot{Wave: &w1}).WaveChanged)
	assert.False(t, r.Apply(&Snapshot{}).WaveChanged)
	assert.True(t, r.Apply(&Snapshot{Wave: &w2}).WaveChanged)
	assert.Equal(t, []int{1, 2}, waves)
	assert.Equal(t, 2, r.Wave())
}

func TestClientOnlyFieldsUntouched(t *testing.T) {
	r := newTestReconciler()
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 0, 0)}})
	e, _ := r.Get("e1")
	e.Anim.Frame = 7
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 5, 5)}})
	assert.Equal(t, 7, e.Anim.Frame)
}

func TestReconcilerReset(t *testing.T) {
	r := newTestReconciler()
	w := 3
	r.Apply(&Snapshot{Enemies: []EnemyState{enemyAt("e1", 0, 0)}, Wave: &w, Timestamp: 99})
	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Wave())
	assert.Zero(t, r.LastTimestamp())
}
