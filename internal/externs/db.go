// Package externs is the one concrete extern-function table this repo
// ships: a small SQL-backed ABI demo grounded on the teacher's
// internal/database (driver wiring) and internal/stdlib/database_funcs.go
// (the RegisterBuiltin argument-validation idiom), adapted onto
// vm.ExternFunc (spec.md §6) instead of the teacher's variadic
// interface{} builtins.
//
// db_open mints an opaque Int handle rather than a BlobInstance: handing
// a host Go function the authority to mint a new blob type would mean
// coordinating its BlobID with whatever the compiled program itself
// declares via `blob`, which is more machinery than a demo table earns
// its keep. An Int handle keeps the *sql.DB behind a host-side map,
// exactly the way the teacher's DBManager keeps *sql.DB behind a
// string id.
package externs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"thidy/internal/compiler"
	"thidy/internal/vm"
)

// DB is the host-side state backing the db_* externs: live connections
// keyed by the Int handle values the scripts see.
type DB struct {
	mu     sync.Mutex
	conns  map[int64]*sql.DB
	nextID int64
}

// NewDB builds an empty connection table.
func NewDB() *DB {
	return &DB{conns: make(map[int64]*sql.DB)}
}

// Bindings returns the compiler.ExternBinding table this module
// contributes: the four db_* functions plus three helpers that need no
// connection state at all.
func (d *DB) Bindings() []compiler.ExternBinding {
	return []compiler.ExternBinding{
		{Name: "db_open", Func: d.open},
		{Name: "db_query", Func: d.query},
		{Name: "db_exec", Func: d.exec},
		{Name: "db_close", Func: d.close},
		{Name: "str_len", Func: strLen},
		{Name: "str_upper", Func: strUpper},
		{Name: "now_unix", Func: nowUnix},
	}
}

// driverName maps the script-facing driver name onto the sql package
// driver registered for it, the same normalization the teacher's
// Connect does for its dbType switch. "sqlite" prefers the pure-Go
// modernc.org/sqlite driver; "sqlite3" names the cgo mattn driver
// explicitly for callers that want it.
func driverName(name string) (string, error) {
	switch strings.ToLower(name) {
	case "mysql":
		return "mysql", nil
	case "postgres", "postgresql":
		return "postgres", nil
	case "sqlite":
		return "sqlite", nil
	case "sqlite3":
		return "sqlite3", nil
	case "sqlserver", "mssql":
		return "sqlserver", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", name)
	}
}

// db_open(driver, dsn) -> Int. Typecheck short-circuits to handle 0
// without touching the network or filesystem — a defensive measure
// against any future caller that does pass isTypecheck=true, since the
// core as written never does (vm.ExternFunc's doc comment).
func (d *DB) open(args []vm.Value, isTypecheck bool) (vm.Value, error) {
	if len(args) != 2 || args[0].Kind != vm.ValString || args[1].Kind != vm.ValString {
		return vm.Nil(), fmt.Errorf("db_open expects (driver string, dsn string)")
	}
	if isTypecheck {
		return vm.IntValue(0), nil
	}

	drv, err := driverName(args[0].Str)
	if err != nil {
		return vm.Nil(), err
	}

	conn, err := sql.Open(drv, args[1].Str)
	if err != nil {
		return vm.Nil(), errors.Wrap(err, "db_open")
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return vm.Nil(), errors.Wrap(err, "db_open: ping")
	}

	id := atomic.AddInt64(&d.nextID, 1)
	d.mu.Lock()
	d.conns[id] = conn
	d.mu.Unlock()
	return vm.IntValue(id), nil
}

func (d *DB) handle(v vm.Value) (*sql.DB, error) {
	if v.Kind != vm.ValInt {
		return nil, fmt.Errorf("expected a db handle (Int)")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.conns[v.Int]
	if !ok {
		return nil, fmt.Errorf("db handle %d is not open", v.Int)
	}
	return conn, nil
}

// db_query(handle, query) -> String, the rows JSON-encoded as an array
// of column-name -> value objects.
func (d *DB) query(args []vm.Value, isTypecheck bool) (vm.Value, error) {
	if len(args) != 2 || args[1].Kind != vm.ValString {
		return vm.Nil(), fmt.Errorf("db_query expects (handle Int, query string)")
	}
	if isTypecheck {
		return vm.StringValue(""), nil
	}

	conn, err := d.handle(args[0])
	if err != nil {
		return vm.Nil(), errors.Wrap(err, "db_query")
	}

	rows, err := conn.Query(args[1].Str)
	if err != nil {
		return vm.Nil(), errors.Wrap(err, "db_query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return vm.Nil(), errors.Wrap(err, "db_query: columns")
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return vm.Nil(), errors.Wrap(err, "db_query: scan")
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = normalizeCell(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return vm.Nil(), errors.Wrap(err, "db_query: rows")
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return vm.Nil(), errors.Wrap(err, "db_query: encode")
	}
	return vm.StringValue(string(encoded)), nil
}

// normalizeCell turns the database/sql driver's raw scan target into
// something encoding/json is happy to marshal, mirroring the teacher's
// db_query value-conversion switch.
func normalizeCell(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return t
	}
}

// db_exec(handle, stmt) -> Int, rows affected.
func (d *DB) exec(args []vm.Value, isTypecheck bool) (vm.Value, error) {
	if len(args) != 2 || args[1].Kind != vm.ValString {
		return vm.Nil(), fmt.Errorf("db_exec expects (handle Int, stmt string)")
	}
	if isTypecheck {
		return vm.IntValue(0), nil
	}

	conn, err := d.handle(args[0])
	if err != nil {
		return vm.Nil(), errors.Wrap(err, "db_exec")
	}

	res, err := conn.Exec(args[1].Str)
	if err != nil {
		return vm.Nil(), errors.Wrap(err, "db_exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return vm.Nil(), errors.Wrap(err, "db_exec: rows affected")
	}
	return vm.IntValue(n), nil
}

// db_close(handle) -> Nil.
func (d *DB) close(args []vm.Value, isTypecheck bool) (vm.Value, error) {
	if len(args) != 1 || args[0].Kind != vm.ValInt {
		return vm.Nil(), fmt.Errorf("db_close expects (handle Int)")
	}
	if isTypecheck {
		return vm.Nil(), nil
	}

	d.mu.Lock()
	conn, ok := d.conns[args[0].Int]
	if ok {
		delete(d.conns, args[0].Int)
	}
	d.mu.Unlock()
	if !ok {
		return vm.Nil(), fmt.Errorf("db handle %d is not open", args[0].Int)
	}
	return vm.Nil(), errors.Wrap(conn.Close(), "db_close")
}

// str_len(s) -> Int. Pure, so it's identical under typecheck.
func strLen(args []vm.Value, _ bool) (vm.Value, error) {
	if len(args) != 1 || args[0].Kind != vm.ValString {
		return vm.Nil(), fmt.Errorf("str_len expects (s string)")
	}
	return vm.IntValue(int64(len(args[0].Str))), nil
}

// str_upper(s) -> String. Pure.
func strUpper(args []vm.Value, _ bool) (vm.Value, error) {
	if len(args) != 1 || args[0].Kind != vm.ValString {
		return vm.Nil(), fmt.Errorf("str_upper expects (s string)")
	}
	return vm.StringValue(strings.ToUpper(args[0].Str)), nil
}

// now_unix() -> Int. Not pure, but idempotent enough for typecheck to
// call it twice without consequence (spec.md §9 open question (iii)).
func nowUnix(args []vm.Value, _ bool) (vm.Value, error) {
	if len(args) != 0 {
		return vm.Nil(), fmt.Errorf("now_unix expects no arguments")
	}
	return vm.IntValue(time.Now().Unix()), nil
}
