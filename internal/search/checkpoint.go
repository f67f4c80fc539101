package search

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"

	"cwsearch/internal/diag"
	"cwsearch/internal/mcmc"
	"cwsearch/internal/prior"
	"cwsearch/pkg/contract"
)

const checkpointVersion = 2

// Fingerprint: 判定检查点可否复用的运行参数。样本与似然之外的每个配置字段都参与比较。
type Fingerprint struct {
	Prior      prior.Spec
	NSteps     []int
	NWalkers   int
	NTemps     int
	ThetaKeys  []string
	ScatterVal float64

	Tref        float64
	Tstart      float64
	Tend        float64
	NGlitch     int
	Binary      bool
	DtGlitchMin float64
	// Betas 为空表示默认温度梯
	Betas []float64
}

// Checkpoint: MCMC 运行终态（gob 编码，支持 ±Inf/NaN）。
type Checkpoint struct {
	Version     int
	RunID       string
	Fingerprint Fingerprint
	CreatedAt   time.Time
	Samples     SampleSet
	State       mcmc.State
}

// CheckpointID 返回 <label>_saved_data.gob。
func CheckpointID(label string) contract.ArtifactID {
	return contract.ArtifactID(label + "_saved_data.gob")
}

// Diff 返回取值不同的指纹字段（字段名 → cmp.Diff）。
func (f Fingerprint) Diff(other Fingerprint) map[string]string {
	out := map[string]string{}
	add := func(name string, a, b any) {
		if !cmp.Equal(a, b) {
			out[name] = cmp.Diff(a, b)
		}
	}
	add("prior", f.Prior, other.Prior)
	add("nsteps", f.NSteps, other.NSteps)
	add("nwalkers", f.NWalkers, other.NWalkers)
	add("ntemps", f.NTemps, other.NTemps)
	add("theta_keys", f.ThetaKeys, other.ThetaKeys)
	add("scatter_val", f.ScatterVal, other.ScatterVal)
	add("tref", f.Tref, other.Tref)
	add("tstart", f.Tstart, other.Tstart)
	add("tend", f.Tend, other.Tend)
	add("nglitch", f.NGlitch, other.NGlitch)
	add("binary", f.Binary, other.Binary)
	add("dtglitchmin", f.DtGlitchMin, other.DtGlitchMin)
	add("betas", nilIfEmpty(f.Betas), nilIfEmpty(other.Betas))
	return out
}

func nilIfEmpty(v []float64) []float64 {
	if len(v) == 0 {
		return nil
	}
	return v
}

// SaveCheckpoint 写出检查点。已存在的旧文件由 Store（或 Backuper）重命名为 .old，从不删除。
func SaveCheckpoint(ctx context.Context, st Store, id contract.ArtifactID, cp Checkpoint) error {
	cp.Version = checkpointVersion
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&cp); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if b, ok := st.(Backuper); ok {
		if _, err := b.Backup(ctx, id); err != nil {
			return fmt.Errorf("backup checkpoint: %w", err)
		}
	}
	if err := st.Write(ctx, id, &buf); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint 读取检查点；不存在时 ok=false 且 err=nil。
func LoadCheckpoint(ctx context.Context, st Store, id contract.ArtifactID) (Checkpoint, bool, error) {
	rc, err := st.Open(ctx, id)
	if err != nil {
		if isNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}
	defer rc.Close()
	var cp Checkpoint
	if err := gob.NewDecoder(rc).Decode(&cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %v: %w", id, err, contract.ErrCheckpointMismatch)
	}
	if cp.Version != checkpointVersion {
		return Checkpoint{}, false, fmt.Errorf("checkpoint %s version %d: %w", id, cp.Version, contract.ErrCheckpointMismatch)
	}
	return cp, true, nil
}

// Usable 判定已加载的检查点能否复用：指纹一致且不早于数据新鲜度时间戳。
// 不可复用时返回包装 ErrCheckpointMismatch 的原因，并逐键记录差异。
func (cp Checkpoint) Usable(want Fingerprint, freshness time.Time, logger *diag.Logger) error {
	if logger == nil {
		logger = diag.Nop()
	}
	if !freshness.IsZero() && cp.CreatedAt.Before(freshness) {
		return fmt.Errorf("checkpoint created %s predates data %s: %w",
			cp.CreatedAt.UTC().Format(time.RFC3339), freshness.UTC().Format(time.RFC3339), contract.ErrCheckpointMismatch)
	}
	diffs := cp.Fingerprint.Diff(want)
	if len(diffs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(diffs))
	for k := range diffs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		logger.Info("checkpoint", "fingerprint differs", map[string]string{"key": k, "diff": diffs[k]})
	}
	return fmt.Errorf("checkpoint differs from requested run in %v: %w", keys, contract.ErrCheckpointMismatch)
}
