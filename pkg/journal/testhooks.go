//go:build quarkdb_testhooks

package journal

import bolt "go.etcd.io/bbolt"

// SimulateDataLoss irreversibly drops the top k entries and drops the
// commit index accordingly. Only compiled in under the quarkdb_testhooks
// build tag, so it never ships in a production binary.
func (j *Journal) SimulateDataLoss(k uint64) error {
	j.mu.Lock()
	from := j.logSize - k
	j.mu.Unlock()
	if k == 0 {
		return nil
	}

	j.mu.Lock()
	if from < j.commitIndex {
		j.commitIndex = from
	}
	j.mu.Unlock()

	return j.db.Update(func(tx *bolt.Tx) error {
		j.mu.Lock()
		defer j.mu.Unlock()
		b := tx.Bucket(bucketEntries)
		for i := from; i < j.logSize; i++ {
			if err := b.Delete(entryKey(i)); err != nil {
				return err
			}
		}
		j.logSize = from
		return j.putMeta(tx)
	})
}
