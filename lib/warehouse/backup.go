package warehouse

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
)

// backupSeq makes backup names unique even when two failures land in
// the same second, e.g. a failed flush followed by the drain retry.
var backupSeq atomic.Int64

// backup preserves records that could not be flushed as a timestamped
// CSV so the operator can load them manually.
func (s *Sink) backup(batch []Record) error {
	if s.cfg.BackupDir == "" || len(batch) == 0 {
		return nil
	}
	err := os.MkdirAll(s.cfg.BackupDir, 0o755)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("backup_%s_%03d.csv",
		time.Now().Format("20060102_150405"), backupSeq.Add(1))
	f, err := os.Create(filepath.Join(s.cfg.BackupDir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	err = w.Write([]string{
		"category_id", "group_id", "product_id", "sub_type_name",
		"low_price", "mid_price", "high_price", "market_price", "direct_low_price",
		"observed_at",
	})
	if err != nil {
		return err
	}
	for _, r := range batch {
		err = w.Write([]string{
			strconv.FormatInt(r.CategoryID, 10),
			strconv.FormatInt(r.GroupID, 10),
			strconv.FormatInt(r.ProductID, 10),
			r.SubTypeName,
			strconv.FormatFloat(r.LowPrice, 'f', -1, 64),
			strconv.FormatFloat(r.MidPrice, 'f', -1, 64),
			strconv.FormatFloat(r.HighPrice, 'f', -1, 64),
			strconv.FormatFloat(r.MarketPrice, 'f', -1, 64),
			strconv.FormatFloat(r.DirectLowPrice, 'f', -1, 64),
			r.ObservedAt.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
