package database

import (
	"fmt"
	"math"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NextChangeSeq returns the next change sequence number for tableID and advances it.
// It must run on the transaction that stamps the value so the counter never goes backwards.
func NextChangeSeq(tx *gorm.DB, tableID int32, primary bool) (int32, error) {
	seed := SqliteChangeSeqNums{TableID: tableID, NextLocalSeq: 1, NextPrimarySeq: 1}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, err
	}

	var current SqliteChangeSeqNums
	if err := tx.Where("table_id = ?", tableID).Take(&current).Error; err != nil {
		return 0, err
	}

	column := "next_local_seq"
	value := current.NextLocalSeq
	if primary {
		column = "next_primary_seq"
		value = current.NextPrimarySeq
	}
	if err := tx.Model(&SqliteChangeSeqNums{}).
		Where("table_id = ?", tableID).
		Update(column, gorm.Expr(column+" + 1")).Error; err != nil {
		return 0, err
	}
	return value, nil
}

// ObserveChangeSeq raises the local sequence of tableID above seen, a version received from
// another node. The sequence never moves backwards.
func ObserveChangeSeq(tx *gorm.DB, tableID int32, seen int64) error {
	if seen <= 0 {
		return nil
	}
	if seen >= math.MaxInt32 {
		return fmt.Errorf("change sequence %d of table %d exceeds the 32-bit range", seen, tableID)
	}
	next := int32(seen + 1)
	seed := SqliteChangeSeqNums{TableID: tableID, NextLocalSeq: next, NextPrimarySeq: 1}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return err
	}
	return tx.Model(&SqliteChangeSeqNums{}).
		Where("table_id = ? AND next_local_seq < ?", tableID, next).
		Update("next_local_seq", next).Error
}
