package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// StartTime returns when pid was started, or the zero time when unknown. It
// is used to tell a recorded supervisor pid apart from a recycled one.
func StartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	if runtime.GOOS == "linux" {
		if sec := linuxStartUnix(pid); sec > 0 {
			return time.Unix(sec, 0)
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SameProcess reports whether pid is alive and was started within tolerance
// of startedAt. A zero startedAt only checks liveness.
func SameProcess(pid int, startedAt time.Time, tolerance time.Duration) bool {
	if !Alive(pid) {
		return false
	}
	if startedAt.IsZero() {
		return true
	}
	st := StartTime(pid)
	if st.IsZero() {
		return true
	}
	d := st.Sub(startedAt)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// linuxStartUnix reads the start time from /proc/<pid>/stat (field 22, in
// clock ticks since boot) and the boot time from /proc/stat.
func linuxStartUnix(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	boot := bootTime()
	if boot == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return boot + ticks/clk
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return bt
			}
			return 0
		}
	}
	return 0
}
