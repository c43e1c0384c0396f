package catalog

// defaultCatalog is the compiled-in metric set served when no user catalog
// is configured. SQL follows the pg_catalog statistics views; version-gated
// variants cover view layout changes between major releases.
const defaultCatalog = `
metrics:
  - tag: pg_up
    collector: general
    queries:
      - query: SELECT 1 AS up
        columns:
          - name: up
            type: gauge
            description: Dummy metric reporting that the server answers queries

  - tag: pg_postmaster_start_time_seconds
    collector: general
    queries:
      - query: SELECT extract(epoch FROM pg_postmaster_start_time()) AS start_time
        columns:
          - type: gauge
            description: Time at which postmaster started

  - tag: pg_stat_database
    collector: database
    queries:
      - query: >-
          SELECT datname, xact_commit, xact_rollback, blks_read, blks_hit,
          tup_returned, tup_fetched, deadlocks
          FROM pg_stat_database WHERE datname IS NOT NULL
        columns:
          - name: datname
            type: label
          - name: xact_commit
            type: counter
            description: Number of transactions committed
          - name: xact_rollback
            type: counter
            description: Number of transactions rolled back
          - name: blks_read
            type: counter
            description: Number of disk blocks read
          - name: blks_hit
            type: counter
            description: Number of buffer cache hits
          - name: tup_returned
            type: counter
            description: Number of rows returned by queries
          - name: tup_fetched
            type: counter
            description: Number of rows fetched by queries
          - name: deadlocks
            type: counter
            description: Number of deadlocks detected
      - query: >-
          SELECT datname, xact_commit, xact_rollback, blks_read, blks_hit,
          tup_returned, tup_fetched, deadlocks, checksum_failures
          FROM pg_stat_database WHERE datname IS NOT NULL
        version: 12
        columns:
          - name: datname
            type: label
          - name: xact_commit
            type: counter
            description: Number of transactions committed
          - name: xact_rollback
            type: counter
            description: Number of transactions rolled back
          - name: blks_read
            type: counter
            description: Number of disk blocks read
          - name: blks_hit
            type: counter
            description: Number of buffer cache hits
          - name: tup_returned
            type: counter
            description: Number of rows returned by queries
          - name: tup_fetched
            type: counter
            description: Number of rows fetched by queries
          - name: deadlocks
            type: counter
            description: Number of deadlocks detected
          - name: checksum_failures
            type: counter
            description: Number of data page checksum failures

  - tag: pg_database_size_bytes
    collector: database
    database: all
    queries:
      - query: SELECT pg_database_size(current_database()) AS size
        columns:
          - type: gauge
            description: Disk space used by the database

  - tag: pg_stat_bgwriter
    collector: bgwriter
    queries:
      - query: >-
          SELECT checkpoints_timed, checkpoints_req, buffers_checkpoint,
          buffers_clean, maxwritten_clean, buffers_backend, buffers_alloc
          FROM pg_stat_bgwriter
        columns:
          - name: checkpoints_timed
            type: counter
            description: Number of scheduled checkpoints performed
          - name: checkpoints_req
            type: counter
            description: Number of requested checkpoints performed
          - name: buffers_checkpoint
            type: counter
            description: Number of buffers written during checkpoints
          - name: buffers_clean
            type: counter
            description: Number of buffers written by the background writer
          - name: maxwritten_clean
            type: counter
            description: Number of background writer stops due to too many buffers written
          - name: buffers_backend
            type: counter
            description: Number of buffers written directly by backends
          - name: buffers_alloc
            type: counter
            description: Number of buffers allocated

  - tag: pg_stat_archiver
    collector: archiver
    server: primary
    queries:
      - query: >-
          SELECT archived_count, failed_count,
          coalesce(extract(epoch FROM now() - last_archived_time), 0) AS since_last_archive_seconds
          FROM pg_stat_archiver
        columns:
          - name: archived_count
            type: counter
            description: Number of WAL files successfully archived
          - name: failed_count
            type: counter
            description: Number of failed attempts to archive WAL files
          - name: since_last_archive_seconds
            type: gauge
            description: Seconds since last successful WAL archival

  - tag: pg_stat_database_conflicts
    collector: database
    queries:
      - query: >-
          SELECT datname, confl_tablespace, confl_lock, confl_snapshot,
          confl_bufferpin, confl_deadlock
          FROM pg_stat_database_conflicts
        columns:
          - name: datname
            type: label
          - name: confl_tablespace
            type: counter
            description: Number of queries cancelled due to dropped tablespaces
          - name: confl_lock
            type: counter
            description: Number of queries cancelled due to lock timeouts
          - name: confl_snapshot
            type: counter
            description: Number of queries cancelled due to old snapshots
          - name: confl_bufferpin
            type: counter
            description: Number of queries cancelled due to pinned buffers
          - name: confl_deadlock
            type: counter
            description: Number of queries cancelled due to deadlocks

  - tag: pg_locks_count
    collector: locks
    sort: data
    queries:
      - query: >-
          SELECT modes.mode, coalesce(count, 0) AS count
          FROM (VALUES ('accesssharelock'), ('rowsharelock'), ('rowexclusivelock'),
                       ('shareupdateexclusivelock'), ('sharelock'), ('sharerowexclusivelock'),
                       ('exclusivelock'), ('accessexclusivelock')) AS modes(mode)
          LEFT JOIN (SELECT lower(mode) AS mode, count(*) AS count FROM pg_locks GROUP BY lower(mode)) AS locks
          ON modes.mode = locks.mode
        columns:
          - name: mode
            type: label
          - name: count
            type: gauge
            description: Number of locks held, by lock mode

  - tag: pg_settings_max_connections
    collector: settings
    queries:
      - query: SELECT current_setting('max_connections')::float8 AS max_connections
        columns:
          - type: gauge
            description: Maximum number of concurrent connections

  - tag: pg_wal_last_received_bytes
    collector: wal
    server: replica
    queries:
      - query: SELECT pg_wal_lsn_diff(pg_last_wal_receive_lsn(), '0/0') AS bytes
        version: 11
        columns:
          - type: counter
            description: WAL location received by the standby, as bytes from cluster start

  - tag: pg_backend_age_seconds
    collector: activity
    queries:
      - query: >-
          WITH ages AS (
            SELECT extract(epoch FROM clock_timestamp() - backend_start) AS age
            FROM pg_stat_activity WHERE pid <> pg_backend_pid()
          ), buckets AS (
            SELECT unnest(ARRAY[60, 300, 3600, 86400]::float8[]) AS le
          )
          SELECT (SELECT coalesce(sum(age), 0) FROM ages) AS sum,
                 (SELECT count(*) FROM ages) AS count,
                 (SELECT array_agg(le ORDER BY le) FROM buckets) AS le,
                 (SELECT array_agg(cnt ORDER BY le)
                  FROM (SELECT le, (SELECT count(*) FROM ages WHERE age <= le) AS cnt FROM buckets) b) AS cnt
        columns:
          - type: histogram
            description: Age of connected backends
`

// Default returns the built-in metric catalog.
func Default() *Catalog {
	c, err := Load([]byte(defaultCatalog))
	if err != nil {
		// The built-in catalog is compiled into the binary, failing to parse
		// it is a programming error.
		panic(err)
	}
	return c
}
