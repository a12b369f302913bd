package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/livequery/internal/errs"
)

// RowMapper converts the current row of rows into a value. It must not call
// rows.Next. Return ErrNoValue when the row yields no value.
type RowMapper[T any] func(rows Rows) (T, error)

// Observer is a typed consumer fed by the Map* adapters.
type Observer[T any] struct {
	Next     func(T) error
	Error    func(error)
	Complete func()
}

func (o Observer[T]) next(v T) error {
	if o.Next == nil {
		return nil
	}
	return o.Next(v)
}

func (o Observer[T]) consumer(next func(Batch) error) Consumer {
	return ConsumerFuncs{Next: next, Error: o.Error, Complete: o.Complete}
}

// mapRow applies m to the current row, classifying ErrNoValue.
func mapRow[T any](m RowMapper[T], b Batch) (T, error) {
	v, err := m(b.Rows)
	if errors.Is(err, ErrNoValue) {
		return v, errs.Mapper(errs.ErrCodeNoValue, b.Statement, "mapper produced no value for row")
	}
	if err != nil {
		return v, fmt.Errorf("map row: %w", err)
	}
	return v, nil
}

// MapToList maps every row of each batch and emits the resulting slice.
// An empty result emits an empty, non-nil slice.
func MapToList[T any](m RowMapper[T], o Observer[[]T]) Consumer {
	return o.consumer(func(b Batch) error {
		items := make([]T, 0)
		for b.Rows.Next() {
			v, err := mapRow(m, b)
			if err != nil {
				return err
			}
			items = append(items, v)
		}
		if err := b.Rows.Err(); err != nil {
			return errs.Store(b.Statement, err)
		}
		return o.next(items)
	})
}

// one reads exactly one row from b. found is false when there are no rows.
func one[T any](m RowMapper[T], b Batch) (v T, found bool, err error) {
	if !b.Rows.Next() {
		if err := b.Rows.Err(); err != nil {
			return v, false, errs.Store(b.Statement, err)
		}
		return v, false, nil
	}
	v, err = mapRow(m, b)
	if err != nil {
		return v, false, err
	}
	if b.Rows.Next() {
		return v, false, errs.Mapper(errs.ErrCodeTooManyRows, b.Statement, "query returned more than one row")
	}
	if err := b.Rows.Err(); err != nil {
		return v, false, errs.Store(b.Statement, err)
	}
	return v, true, nil
}

// MapToOne emits the single row of each batch. A batch with no rows emits
// nothing and requests one more delivery in its place; a batch with more
// than one row terminates the subscription with TOO_MANY_ROWS.
func MapToOne[T any](m RowMapper[T], o Observer[T]) Consumer {
	return o.consumer(func(b Batch) error {
		v, found, err := one(m, b)
		if err != nil {
			return err
		}
		if !found {
			if b.Subscription != nil {
				return b.Subscription.Request(1)
			}
			return nil
		}
		return o.next(v)
	})
}

// MapToOneOrDefault is MapToOne, emitting def for a batch with no rows.
func MapToOneOrDefault[T any](m RowMapper[T], def T, o Observer[T]) Consumer {
	return o.consumer(func(b Batch) error {
		v, found, err := one(m, b)
		if err != nil {
			return err
		}
		if !found {
			return o.next(def)
		}
		return o.next(v)
	})
}

// MapToOptional is MapToOne, emitting nil for a batch with no rows.
func MapToOptional[T any](m RowMapper[T], o Observer[*T]) Consumer {
	return o.consumer(func(b Batch) error {
		v, found, err := one(m, b)
		if err != nil {
			return err
		}
		if !found {
			return o.next(nil)
		}
		return o.next(&v)
	})
}

// ScanAll reads every remaining row into generic values, turning []byte
// columns into strings. It does not close rows. The result is never nil.
func ScanAll(rows Rows) ([][]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := [][]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}
