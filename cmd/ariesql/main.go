package main

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ariesql/ariesql"
)

// Config holds the runtime configuration.
type Config struct {
	Output    string
	Header    bool
	Echo      bool
	Batch     bool
	Timer     bool
	NullValue string
	Mode      OutputMode
}

type OutputMode string

const (
	ModeColumn OutputMode = "column"
	ModeList   OutputMode = "list"
	ModeCSV    OutputMode = "csv"
	ModeJSON   OutputMode = "json"
	ModeTable  OutputMode = "table"
)

func main() {
	if len(os.Args) > 1 {
		if handled, err := tryUtilityCommand(os.Args[1], os.Args[2:]); handled {
			exitIfErr(err)
			return
		}
	}

	if err := runCLI(os.Args[1:]); err != nil {
		exitIfErr(err)
	}
}

func exitIfErr(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// ---- Core CLI Logic ---------------------------------------------------------

func runCLI(args []string) error {
	fs := flag.NewFlagSet("ariesql", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: ariesql [OPTIONS] FILENAME [SQL]\n")
		fs.PrintDefaults()
	}

	var (
		mode    = fs.String("mode", "column", "Output mode: column|list|csv|json|table")
		headers = fs.Bool("header", true, "Include column headers")
		echo    = fs.Bool("echo", false, "Echo SQL before execution")
		cmd     = fs.String("cmd", "", "Run specific SQL and exit")
		batch   = fs.Bool("batch", false, "Force batch mode")
		outFile = fs.String("output", "", "Write output to file")
		verbose = fs.Bool("verbose", false, "Log engine activity (background checkpoints) to stderr")
	)

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := &Config{
		Output: *outFile,
		Header: *headers,
		Echo:   *echo,
		Batch:  *batch,
		Mode:   OutputMode(*mode),
	}

	remaining := fs.Args()
	dbPath := ""
	inlineSQL := ""
	if len(remaining) >= 1 {
		dbPath = remaining[0]
	}
	if len(remaining) > 1 {
		inlineSQL = strings.Join(remaining[1:], " ")
	}

	db, cleanup, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer cleanup()
	if *verbose {
		db.EnableConsoleLogging(os.Stderr)
	}

	var out io.Writer = os.Stdout
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	exec := func(sql string) error {
		if strings.TrimSpace(sql) == "" {
			return nil
		}
		return execute(db, cfg, sql, out)
	}

	if *cmd != "" {
		return exec(*cmd)
	}
	if inlineSQL != "" {
		return exec(inlineSQL)
	}
	if isInputPiped() {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		return exec(string(data))
	}
	if cfg.Batch {
		return errors.New("batch mode requested but no SQL provided")
	}

	repl := NewRepl(db, cfg, out)
	return repl.Run()
}

// ---- REPL (Interactive Shell) -----------------------------------------------

type Repl struct {
	db  *ariesql.Engine
	cfg *Config
	out io.Writer
	buf strings.Builder
	// tx is the open handle while inside an explicit BEGIN...COMMIT/ROLLBACK
	// block started via the .begin meta-command; nil in autocommit mode.
	tx *ariesql.Handle
}

func NewRepl(db *ariesql.Engine, cfg *Config, out io.Writer) *Repl {
	return &Repl{db: db, cfg: cfg, out: out}
}

func (r *Repl) Run() error {
	fmt.Fprintf(r.out, "ariesql shell\n")
	fmt.Fprintf(r.out, "Enter \".help\" for usage hints.\n")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigChan {
			if r.buf.Len() > 0 {
				fmt.Fprintln(r.out, "^C")
				r.buf.Reset()
				fmt.Fprint(r.out, "ariesql> ")
			} else {
				os.Exit(0)
			}
		}
	}()

	r.printPrompt()

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if r.buf.Len() == 0 && strings.HasPrefix(trimmed, ".") {
			if err := r.handleMeta(trimmed); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			r.printPrompt()
			continue
		}

		r.buf.WriteString(line)
		r.buf.WriteByte('\n')

		if strings.HasSuffix(trimmed, ";") {
			sqlText := r.buf.String()
			r.buf.Reset()
			if err := r.runStatements(sqlText); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
		r.printPrompt()
	}
	return scanner.Err()
}

// runStatements executes each ';'-delimited statement in sqlText, routing
// through r.tx when an explicit transaction is open (via .begin) and
// through the engine's autocommit Execute otherwise.
func (r *Repl) runStatements(sqlText string) error {
	for _, stmtSQL := range splitStatements(sqlText) {
		if r.cfg.Echo {
			fmt.Fprintln(r.out, stmtSQL)
		}
		start := time.Now()
		var (
			res *ariesql.Result
			err error
		)
		if r.tx != nil {
			res, err = r.db.ExecuteInTransaction(stmtSQL, r.tx)
		} else {
			res, err = r.db.Execute(stmtSQL)
		}
		duration := time.Since(start)
		if err != nil {
			return err
		}
		if err := printResult(r.out, res, r.cfg); err != nil {
			return err
		}
		if r.cfg.Timer {
			fmt.Fprintf(r.out, "Run Time: real %.3fs\n", duration.Seconds())
		}
	}
	return nil
}

func (r *Repl) printPrompt() {
	switch {
	case r.buf.Len() != 0:
		fmt.Fprint(r.out, "   ...> ")
	case r.tx != nil:
		fmt.Fprint(r.out, "ariesql*> ")
	default:
		fmt.Fprint(r.out, "ariesql> ")
	}
}

func (r *Repl) handleMeta(line string) error {
	parts := strings.Fields(line)
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case ".help":
		printHelp(r.out)
	case ".quit", ".exit":
		os.Exit(0)
	case ".tables":
		printTables(r.out, r.db)
	case ".schema":
		target := ""
		if len(args) > 0 {
			target = args[0]
		}
		return printSchema(r.out, r.db, target)
	case ".mode":
		if len(args) < 1 {
			return errors.New("usage: .mode MODE")
		}
		r.cfg.Mode = OutputMode(args[0])
	case ".headers":
		if len(args) < 1 {
			return errors.New("usage: .headers on|off")
		}
		r.cfg.Header = (args[0] == "on")
	case ".timer":
		if len(args) < 1 {
			return errors.New("usage: .timer on|off")
		}
		r.cfg.Timer = (args[0] == "on")
	case ".nullvalue":
		if len(args) < 1 {
			return errors.New("usage: .nullvalue STRING")
		}
		r.cfg.NullValue = args[0]
	case ".read":
		if len(args) < 1 {
			return errors.New("usage: .read FILE")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return r.runStatements(string(data))
	case ".begin":
		if r.tx != nil {
			return errors.New("already inside a transaction")
		}
		tx, err := r.db.BeginTransaction()
		if err != nil {
			return err
		}
		r.tx = tx
	case ".commit":
		if r.tx == nil {
			return errors.New("no open transaction")
		}
		err := r.db.CommitTransaction(r.tx)
		r.tx = nil
		return err
	case ".rollback":
		if r.tx == nil {
			return errors.New("no open transaction")
		}
		err := r.db.AbortTransaction(r.tx)
		r.tx = nil
		return err
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, `
.begin                 Start an explicit transaction
.commit                Commit the open transaction
.exit                  Exit this program
.headers on|off        Turn display of headers on or off
.help                  Show this message
.mode MODE             Set output mode (column, list, csv, json, table)
.nullvalue STRING      Use STRING in place of NULL values
.read FILENAME         Execute SQL in FILENAME
.rollback              Abort the open transaction
.schema ?TABLE?        Show the CREATE statements
.tables                List names of tables
.timer on|off          Turn SQL timer on or off`)
}

// ---- Execution Engine -------------------------------------------------------

func execute(db *ariesql.Engine, cfg *Config, sqlText string, out io.Writer) error {
	for _, stmtSQL := range splitStatements(sqlText) {
		if cfg.Echo {
			fmt.Fprintln(out, stmtSQL)
		}
		start := time.Now()
		res, err := db.Execute(stmtSQL)
		duration := time.Since(start)
		if err != nil {
			return err
		}
		if err := printResult(out, res, cfg); err != nil {
			return err
		}
		if cfg.Timer {
			fmt.Fprintf(out, "Run Time: real %.3fs\n", duration.Seconds())
		}
	}
	return nil
}

func printResult(out io.Writer, res *ariesql.Result, cfg *Config) error {
	if res == nil || res.Cols == nil {
		return nil
	}
	return getPrinter(cfg.Mode).Print(out, res, cfg)
}

// ---- Output Formatters ------------------------------------------------------

type Printer interface {
	Print(w io.Writer, res *ariesql.Result, cfg *Config) error
}

func getPrinter(mode OutputMode) Printer {
	switch mode {
	case ModeCSV:
		return &CSVPrinter{}
	case ModeJSON:
		return &JSONPrinter{}
	case ModeList:
		return &ListPrinter{}
	case ModeColumn, ModeTable:
		return &ColumnPrinter{}
	default:
		return &ListPrinter{}
	}
}

// ColumnPrinter uses tabwriter for aligned output.
type ColumnPrinter struct{}

func (cp *ColumnPrinter) Print(out io.Writer, res *ariesql.Result, cfg *Config) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if cfg.Header {
		for i, col := range res.Cols {
			fmt.Fprint(w, col)
			if i < len(res.Cols)-1 {
				fmt.Fprint(w, "\t")
			}
		}
		fmt.Fprintln(w)
		for i, col := range res.Cols {
			fmt.Fprint(w, strings.Repeat("-", len(col)))
			if i < len(res.Cols)-1 {
				fmt.Fprint(w, "\t")
			}
		}
		fmt.Fprintln(w)
	}

	for _, row := range res.Rows {
		for i, v := range row {
			fmt.Fprint(w, fmtValue(v, cfg.NullValue))
			if i < len(row)-1 {
				fmt.Fprint(w, "\t")
			}
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

type ListPrinter struct{}

func (lp *ListPrinter) Print(out io.Writer, res *ariesql.Result, cfg *Config) error {
	for _, row := range res.Rows {
		for i, v := range row {
			if i > 0 {
				fmt.Fprint(out, "|")
			}
			fmt.Fprint(out, fmtValue(v, cfg.NullValue))
		}
		fmt.Fprintln(out)
	}
	return nil
}

type CSVPrinter struct{}

func (cp *CSVPrinter) Print(out io.Writer, res *ariesql.Result, cfg *Config) error {
	w := csv.NewWriter(out)
	if cfg.Header {
		if err := w.Write(res.Cols); err != nil {
			return err
		}
	}
	for _, row := range res.Rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = fmtValue(v, "")
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

type JSONPrinter struct{}

func (jp *JSONPrinter) Print(out io.Writer, res *ariesql.Result, cfg *Config) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	output := make([]map[string]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		item := make(map[string]any, len(res.Cols))
		for i, col := range res.Cols {
			item[col] = valueToAny(row[i])
		}
		output = append(output, item)
	}
	return enc.Encode(output)
}

// ---- Helpers ----------------------------------------------------------------

// openDatabase opens path as an ariesql database file. An empty path (or
// ":memory:", for compatibility with sqlite-style invocations) opens a
// fresh temp-file database that cleanup removes on exit, since the engine
// has no true in-memory mode — every database is WAL-backed on disk.
func openDatabase(path string) (db *ariesql.Engine, cleanup func(), err error) {
	tmp := ""
	if path == "" || path == ":memory:" {
		f, err := os.CreateTemp("", "ariesql-*.db")
		if err != nil {
			return nil, nil, err
		}
		tmp = f.Name()
		f.Close()
		os.Remove(tmp)
		path = tmp
	} else if dir := filepath.Dir(path); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err = ariesql.Open(path)
	if err != nil {
		return nil, nil, err
	}
	cleanup = func() {
		db.Close()
		if tmp != "" {
			os.Remove(tmp)
			os.Remove(tmp + ".wal")
		}
	}
	return db, cleanup, nil
}

func fmtValue(v ariesql.Value, nullVal string) string {
	switch v.Kind {
	case ariesql.KindNull:
		return nullVal
	case ariesql.KindInt:
		return strconv.FormatInt(v.Int, 10)
	case ariesql.KindFloat:
		return strconv.FormatFloat(v.Flt, 'g', -1, 64)
	case ariesql.KindBool:
		return strconv.FormatBool(v.Bool)
	case ariesql.KindBlob:
		return string(v.Blob)
	default:
		return v.Str
	}
}

func valueToAny(v ariesql.Value) any {
	switch v.Kind {
	case ariesql.KindNull:
		return nil
	case ariesql.KindInt:
		return v.Int
	case ariesql.KindFloat:
		return v.Flt
	case ariesql.KindBool:
		return v.Bool
	case ariesql.KindBlob:
		return v.Blob
	default:
		return v.Str
	}
}

func isInputPiped() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) == 0
}

func printTables(out io.Writer, db *ariesql.Engine) {
	names := db.Tables()
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s  ", name)
	}
	fmt.Fprintln(out)
}

func printSchema(out io.Writer, db *ariesql.Engine, tableFilter string) error {
	names := db.Tables()
	sort.Strings(names)
	for _, name := range names {
		if tableFilter != "" && !strings.EqualFold(name, tableFilter) {
			continue
		}
		meta, ok := db.TableSchema(name)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "CREATE TABLE %s (\n", meta.Name)
		for i, col := range meta.Columns {
			def := fmt.Sprintf("  %s %s", col.Name, col.Type)
			if i == meta.PKColumn {
				def += " PRIMARY KEY"
			}
			if i < len(meta.Columns)-1 {
				def += ","
			}
			fmt.Fprintln(out, def)
		}
		fmt.Fprintln(out, ");")
	}
	return nil
}

// splitStatements is a simple quote-aware ';'-splitter. A proper lexer
// could do this, but this suffices for a CLI wrapper.
func splitStatements(sql string) []string {
	var stmts []string
	var buf strings.Builder
	inSingle := false
	inDouble := false

	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch ch {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case ';':
			if !inSingle && !inDouble {
				s := strings.TrimSpace(buf.String())
				if s != "" {
					stmts = append(stmts, s)
				}
				buf.Reset()
				continue
			}
		}
		buf.WriteByte(ch)
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

// ---- Legacy Utility Commands (sqlite-utils style) ---------------------------

func tryUtilityCommand(name string, args []string) (bool, error) {
	switch name {
	case "tables":
		return true, runTablesUtil(args)
	case "schema":
		return true, runSchemaUtil(args)
	case "query":
		return true, runQueryUtil(args)
	default:
		return false, nil
	}
}

func runTablesUtil(args []string) error {
	fs := flag.NewFlagSet("tables", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Emit JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, cleanup, err := openDatabase(fs.Arg(0))
	if err != nil {
		return err
	}
	defer cleanup()

	names := db.Tables()
	sort.Strings(names)

	if *jsonOut {
		return json.NewEncoder(os.Stdout).Encode(names)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runSchemaUtil(args []string) error {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	db, cleanup, err := openDatabase(fs.Arg(0))
	if err != nil {
		return err
	}
	defer cleanup()
	return printSchema(os.Stdout, db, "")
}

func runQueryUtil(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	mode := fs.String("mode", "table", "Mode")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, cleanup, err := openDatabase(fs.Arg(0))
	if err != nil {
		return err
	}
	defer cleanup()

	sql := strings.Join(fs.Args()[1:], " ")
	cfg := &Config{Mode: OutputMode(*mode), Header: true}
	return execute(db, cfg, sql, os.Stdout)
}
