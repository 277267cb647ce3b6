package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

type (
	// CRDBMetaStore keeps the catalog in CockroachDB.
	CRDBMetaStore struct {
		pool       *pgxpool.Pool
		tryTimeout time.Duration
	}
)

func NewCRDBMetaStore(pool *pgxpool.Pool) *CRDBMetaStore {
	return &CRDBMetaStore{
		pool:       pool,
		tryTimeout: time.Second * 15,
	}
}

func (cms *CRDBMetaStore) CreateTable(ctx context.Context, s table.Schema) (*table.Schema, error) {
	logger := zerolog.Ctx(ctx)
	if err := s.Validate(); err != nil {
		return nil, utils.NewUserError(err, "invalid table %s", s.Name)
	}
	colRows, err := flattenColumns(s.Columns)
	if err != nil {
		return nil, utils.NewUserError(err, "invalid table %s", s.Name)
	}
	s.ID = utils.GenKSortedID("tbl_")
	logger.Debug().Str("table", s.Name).Str("tableID", s.ID).Msg("creating table")

	err = utils.ReliableExecInTx(ctx, cms.pool, cms.tryTimeout, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO ducklake_table (table_id, table_name, next_row_id) VALUES ($1, $2, 0)`, s.ID, s.Name)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrTableExists, s.Name)
			}
			return fmt.Errorf("error inserting table: %w", err)
		}
		for _, r := range colRows {
			parent := pgtype.Int8{Status: pgtype.Null}
			if r.ParentID != nil {
				parent = pgtype.Int8{Int: *r.ParentID, Status: pgtype.Present}
			}
			_, err = tx.Exec(ctx, `INSERT INTO ducklake_column (table_id, column_id, parent_column, column_order, column_name, column_type) VALUES ($1, $2, $3, $4, $5, $6)`,
				s.ID, r.ColumnID, parent, r.Order, r.Name, r.Type)
			if err != nil {
				return fmt.Errorf("error inserting column %s: %w", r.Name, err)
			}
		}
		for i, pf := range s.PartitionBy {
			_, err = tx.Exec(ctx, `INSERT INTO ducklake_partition_column (table_id, partition_key_index, column_order, transform) VALUES ($1, $2, $3, $4)`,
				s.ID, i, pf.ColumnIndex, string(pf.Transform))
			if err != nil {
				return fmt.Errorf("error inserting partition column: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (cms *CRDBMetaStore) GetTable(ctx context.Context, name string) (*table.Schema, error) {
	s := &table.Schema{Name: name}
	err := utils.ReliableExec(ctx, cms.pool, cms.tryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `SELECT table_id, next_row_id FROM ducklake_table WHERE table_name = $1`, name).Scan(&s.ID, &s.NextRowID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTableNotFound, name)
		}
		if err != nil {
			return fmt.Errorf("error selecting table: %w", err)
		}

		rows, err := conn.Query(ctx, `SELECT column_id, parent_column, column_order, column_name, column_type FROM ducklake_column WHERE table_id = $1`, s.ID)
		if err != nil {
			return fmt.Errorf("error selecting columns: %w", err)
		}
		var colRows []columnRow
		for rows.Next() {
			var r columnRow
			var parent pgtype.Int8
			if err := rows.Scan(&r.ColumnID, &parent, &r.Order, &r.Name, &r.Type); err != nil {
				rows.Close()
				return fmt.Errorf("error scanning column: %w", err)
			}
			if parent.Status == pgtype.Present {
				r.ParentID = utils.Ptr(parent.Int)
			}
			colRows = append(colRows, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating columns: %w", err)
		}
		s.Columns, err = buildColumns(colRows)
		if err != nil {
			return utils.NewInternalError(err, "corrupt column catalog for %s", name)
		}

		rows, err = conn.Query(ctx, `SELECT column_order, transform FROM ducklake_partition_column WHERE table_id = $1 ORDER BY partition_key_index`, s.ID)
		if err != nil {
			return fmt.Errorf("error selecting partition columns: %w", err)
		}
		defer rows.Close()
		s.PartitionBy = nil
		for rows.Next() {
			var pf table.PartitionField
			var transform string
			if err := rows.Scan(&pf.ColumnIndex, &transform); err != nil {
				return fmt.Errorf("error scanning partition column: %w", err)
			}
			pf.Transform = table.PartitionTransform(transform)
			s.PartitionBy = append(s.PartitionBy, pf)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (cms *CRDBMetaStore) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	err := utils.ReliableExec(ctx, cms.pool, cms.tryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		names = nil
		rows, err := conn.Query(ctx, `SELECT table_name FROM ducklake_table ORDER BY table_name`)
		if err != nil {
			return fmt.Errorf("error selecting tables: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("error scanning table name: %w", err)
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	return names, err
}

func (cms *CRDBMetaStore) ListDataFiles(ctx context.Context, tableID string) ([]part.DataFile, error) {
	var files []part.DataFile
	err := utils.ReliableExec(ctx, cms.pool, cms.tryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		files = nil
		rows, err := conn.Query(ctx, `SELECT data_file_id, path, partition, partition_values, record_count, file_size_bytes, row_id_start, has_row_id_column, created_at
			FROM ducklake_data_file WHERE table_id = $1 AND enabled ORDER BY row_id_start, data_file_id`, tableID)
		if err != nil {
			return fmt.Errorf("error selecting data files: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			df := part.DataFile{TableID: tableID, Enabled: true}
			var values pgtype.JSONB
			var createdAt pgtype.Timestamptz
			err := rows.Scan(&df.ID, &df.Path, &df.Partition, &values, &df.RecordCount, &df.FileSize, &df.RowIDStart, &df.HasRowIDColumn, &createdAt)
			if err != nil {
				return fmt.Errorf("error scanning data file: %w", err)
			}
			if values.Status == pgtype.Present {
				if err := values.AssignTo(&df.PartitionValues); err != nil {
					return fmt.Errorf("error decoding partition values: %w", err)
				}
			}
			df.CreatedAt = createdAt.Time
			files = append(files, df)
		}
		return rows.Err()
	})
	return files, err
}

func (cms *CRDBMetaStore) ListDeleteFiles(ctx context.Context, tableID string) (map[string]part.DeleteFile, error) {
	res := make(map[string]part.DeleteFile)
	err := utils.ReliableExec(ctx, cms.pool, cms.tryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT delete_file_id, data_file_id, path, delete_count, file_size_bytes, created_at FROM ducklake_delete_file WHERE table_id = $1`, tableID)
		if err != nil {
			return fmt.Errorf("error selecting delete files: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var del part.DeleteFile
			if err := rows.Scan(&del.ID, &del.DataFileID, &del.Path, &del.DeleteCount, &del.FileSize, &del.CreatedAt); err != nil {
				return fmt.Errorf("error scanning delete file: %w", err)
			}
			res[del.DataFileID] = del
		}
		return rows.Err()
	})
	return res, err
}

func (cms *CRDBMetaStore) Commit(ctx context.Context, cs ChangeSet) error {
	logger := zerolog.Ctx(ctx)
	s := time.Now()
	err := utils.ReliableExecInTx(ctx, cms.pool, cms.tryTimeout, func(ctx context.Context, tx pgx.Tx) error {
		for id := range cs.BaseDeleteFiles {
			var current string
			err := tx.QueryRow(ctx, `SELECT delete_file_id FROM ducklake_delete_file WHERE data_file_id = $1`, id).Scan(&current)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("error selecting delete file: %w", err)
			}
			if err := cs.CheckDeleteFile(id, current); err != nil {
				return err
			}
		}

		// Allocate the row ids first so the new files can be numbered
		var next int64
		err := tx.QueryRow(ctx, `UPDATE ducklake_table SET next_row_id = next_row_id + $2 WHERE table_id = $1 RETURNING next_row_id`, cs.TableID, cs.Allocated()).Scan(&next)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTableNotFound, cs.TableID)
		}
		if err != nil {
			return fmt.Errorf("error updating next row id: %w", err)
		}
		shift := cs.RowIDShift(next - cs.Allocated())

		for _, id := range cs.DroppedDataFiles {
			var p string
			err := tx.QueryRow(ctx, `DELETE FROM ducklake_data_file WHERE data_file_id = $1 RETURNING path`, id).Scan(&p)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: data file %s no longer exists", ErrConflict, id)
			}
			if err != nil {
				return fmt.Errorf("error deleting data file: %w", err)
			}
			if err := schedule(ctx, tx, p); err != nil {
				return err
			}
			if err := dropDeleteFile(ctx, tx, id); err != nil {
				return err
			}
		}

		for _, df := range cs.NewDataFiles {
			if !df.HasRowIDColumn {
				df.RowIDStart += shift
			}
			_, err := tx.Exec(ctx, `INSERT INTO ducklake_data_file (data_file_id, table_id, path, partition, partition_values, record_count, file_size_bytes, row_id_start, has_row_id_column)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				df.ID, cs.TableID, df.Path, df.Partition, df.PartitionValues, df.RecordCount, df.FileSize, df.RowIDStart, df.HasRowIDColumn)
			if err != nil {
				return fmt.Errorf("error inserting data file: %w", err)
			}
		}

		for _, del := range cs.NewDeleteFiles {
			var exists bool
			err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ducklake_data_file WHERE data_file_id = $1)`, del.DataFileID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("error checking data file: %w", err)
			}
			if !exists {
				return fmt.Errorf("%w: data file %s no longer exists", ErrConflict, del.DataFileID)
			}
			// The previous delete file is superseded
			if err := dropDeleteFile(ctx, tx, del.DataFileID); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `INSERT INTO ducklake_delete_file (delete_file_id, data_file_id, table_id, path, delete_count, file_size_bytes)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				del.ID, del.DataFileID, cs.TableID, del.Path, del.DeleteCount, del.FileSize)
			if err != nil {
				return fmt.Errorf("error inserting delete file: %w", err)
			}
		}

		for _, p := range cs.ScheduleForDeletion {
			if err := schedule(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Debug().Str("tableID", cs.TableID).Int("newDataFiles", len(cs.NewDataFiles)).Int("newDeleteFiles", len(cs.NewDeleteFiles)).Int("droppedDataFiles", len(cs.DroppedDataFiles)).Msgf("committed in %s", time.Since(s))
	return nil
}

func schedule(ctx context.Context, tx pgx.Tx, p string) error {
	_, err := tx.Exec(ctx, `UPSERT INTO ducklake_files_scheduled_for_deletion (path, schedule_start) VALUES ($1, now())`, p)
	if err != nil {
		return fmt.Errorf("error scheduling %s for deletion: %w", p, err)
	}
	return nil
}

func dropDeleteFile(ctx context.Context, tx pgx.Tx, dataFileID string) error {
	var p string
	err := tx.QueryRow(ctx, `DELETE FROM ducklake_delete_file WHERE data_file_id = $1 RETURNING path`, dataFileID).Scan(&p)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error deleting delete file: %w", err)
	}
	return schedule(ctx, tx, p)
}

func (cms *CRDBMetaStore) ListFilesScheduledForCleanup(ctx context.Context, olderThan *time.Time) ([]part.FileForCleanup, error) {
	var files []part.FileForCleanup
	err := utils.ReliableExec(ctx, cms.pool, cms.tryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		files = nil
		cutoff := pgtype.Timestamptz{Status: pgtype.Null}
		if olderThan != nil {
			cutoff = pgtype.Timestamptz{Time: *olderThan, Status: pgtype.Present}
		}
		rows, err := conn.Query(ctx, `SELECT path, schedule_start FROM ducklake_files_scheduled_for_deletion
			WHERE $1::TIMESTAMPTZ IS NULL OR schedule_start < $1 ORDER BY path`, cutoff)
		if err != nil {
			return fmt.Errorf("error selecting scheduled files: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			f := part.FileForCleanup{Type: part.CleanupOldFiles}
			if err := rows.Scan(&f.Path, &f.Time); err != nil {
				return fmt.Errorf("error scanning scheduled file: %w", err)
			}
			files = append(files, f)
		}
		return rows.Err()
	})
	return files, err
}

func (cms *CRDBMetaStore) RemoveFilesScheduledForCleanup(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return utils.ReliableExec(ctx, cms.pool, cms.tryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `DELETE FROM ducklake_files_scheduled_for_deletion WHERE path = ANY($1)`, paths)
		if err != nil {
			return fmt.Errorf("error removing scheduled files: %w", err)
		}
		return nil
	})
}

func (cms *CRDBMetaStore) ListReferencedPaths(ctx context.Context) (map[string]bool, error) {
	refs := make(map[string]bool)
	err := utils.ReliableExec(ctx, cms.pool, cms.tryTimeout, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT path FROM ducklake_data_file
			UNION ALL SELECT path FROM ducklake_delete_file
			UNION ALL SELECT path FROM ducklake_files_scheduled_for_deletion`)
		if err != nil {
			return fmt.Errorf("error selecting referenced paths: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return fmt.Errorf("error scanning path: %w", err)
			}
			refs[p] = true
		}
		return rows.Err()
	})
	return refs, err
}

func (cms *CRDBMetaStore) Shutdown(_ context.Context) error {
	cms.pool.Close()
	return nil
}
