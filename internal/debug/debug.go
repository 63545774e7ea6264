package debug

import (
	"io"
	"log"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (homing results, mode and specimen changes)
	LevelLive    = 2 // Live info (moves, sensor transitions, live positions)
	LevelVerbose = 3 // Verbose (move decisions, debounce details)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (homing, mode changes, specimen changes)
// 2 = live info (movements, sensor transitions)
// 3 = verbose (move planning, corrections)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	logger = nil
	if level > LevelOff {
		logger = log.New(out, "[Scope] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects debug output (e.g. to stdout and the status feed).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func printf(minLevel int, format string, args ...interface{}) {
	mu.RLock()
	l, lg := level, logger
	mu.RUnlock()
	if l >= minLevel && lg != nil {
		lg.Printf(format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	printf(LevelInfo, "[INFO] "+format, args...)
}

// Mode prints an operating mode change (level 1).
func Mode(from, to string) {
	printf(LevelInfo, "[INFO] Mode: %s -> %s", from, to)
}

// Specimen prints the specimen now on display (level 1).
func Specimen(id int, reason string) {
	printf(LevelInfo, "[INFO] Specimen %d on display (%s)", id, reason)
}

// Positions prints the live step counters (level 1). It is only called
// when position reporting is switched on.
func Positions(tray, zoom, focus int) {
	printf(LevelInfo, "[INFO] Position: tray=%d zoom=%d focus=%d", tray, zoom, focus)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	printf(LevelLive, "[LIVE] "+format, args...)
}

// Move prints a motor movement (level 2).
func Move(axis string, steps int, direction string) {
	printf(LevelLive, "[LIVE] Motor %s: %d steps (%s)", axis, steps, direction)
}

// Sensor prints an accepted sensor transition (level 2).
func Sensor(name string, active bool) {
	printf(LevelLive, "[LIVE] Sensor %s -> %v", name, active)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	printf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	printf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	printf(LevelVerbose, "  %s", name)
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	printf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	printf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO).
func Trace(format string, args ...interface{}) {
	printf(LevelTrace, "[TRACE] "+format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	printf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	printf(LevelInfo, "[ERROR] %v", err)
}
