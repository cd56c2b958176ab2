package db

import "github.com/jmoiron/sqlx"

// Pool bundles the writer and reader connections for the relay's state file.
//
// The writer pool is capped at a single connection so every INSERT, UPDATE
// and transaction is serialized, which is what keeps StoredMessage sequence
// numbers gap-free without explicit locking. Readers run concurrently
// against WAL snapshots.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens both pools against the same database file.
func Open(dbPath string) (*Pool, error) {
	writer, err := OpenWriter(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{writer: writer, reader: reader}, nil
}

// NewPool creates a Pool from existing writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the serialized write connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the concurrent read-only pool.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
