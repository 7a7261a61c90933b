package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/databricks-solutions/apx/internal/devctl"
	"github.com/databricks-solutions/apx/pkg/client"
)

var (
	dimStyle     = lipgloss.NewStyle().Faint(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	headStyle    = lipgloss.NewStyle().Bold(true)
	prefixStyles = map[string]lipgloss.Style{
		"BE":  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		"APP": lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"UI":  lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		"GEN": lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	}
)

// streamPrefixes are the tags the supervisor puts in front of captured
// output lines.
var streamPrefixes = []string{"APP", "BE", "stdout", "stderr"}

// splitStream separates "APP | message" into its tag and message.
func splitStream(content string) (string, string) {
	tag, msg, ok := strings.Cut(content, " | ")
	if !ok {
		return "", content
	}
	for _, p := range streamPrefixes {
		if tag == p {
			return tag, msg
		}
	}
	return "", content
}

// formatRecord renders a log record as "time | [TAG] | content". raw
// prints only the message.
func formatRecord(r client.LogRecord, raw bool) string {
	tag, msg := splitStream(r.Content)
	if raw {
		return msg
	}
	var prefix string
	switch r.ProcessName {
	case "backend":
		prefix = "BE"
		if tag == "APP" {
			prefix = "APP"
		}
	case "frontend":
		prefix = "UI"
	case "openapi":
		prefix = "GEN"
	default:
		prefix = strings.ToUpper(r.ProcessName)
	}
	label := fmt.Sprintf("[%s]", prefix)
	if st, ok := prefixStyles[prefix]; ok {
		label = st.Render(fmt.Sprintf("%-5s", label))
	} else {
		label = fmt.Sprintf("%-5s", label)
	}
	content := r.Content
	if prefix == "APP" {
		content = msg
	}
	ts := dimStyle.Render(r.Timestamp.Local().Format("2006-01-02 15:04:05"))
	if r.Level == "ERROR" {
		content = errStyle.Render(content)
	}
	return fmt.Sprintf("%s | %s | %s", ts, label, content)
}

func runningCell(running bool) string {
	if running {
		return okStyle.Render("●") + " Running"
	}
	return errStyle.Render("●") + " Stopped"
}

// printStatus writes the status table of a supervisor.
func printStatus(w io.Writer, rep devctl.Report) {
	st := rep.Status
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, headStyle.Render("PROCESS")+"\t"+headStyle.Render("PORT")+"\t"+headStyle.Render("STATUS"))
	_, _ = fmt.Fprintf(tw, "Dev Server\t-\t%s\n", runningCell(true))
	_, _ = fmt.Fprintf(tw, "Frontend\t%s\t%s\n", portCell(st.FrontendPort), runningCell(st.FrontendRunning))
	_, _ = fmt.Fprintf(tw, "Backend\t%s\t%s\n", portCell(st.BackendPort), runningCell(st.BackendRunning))
	_, _ = fmt.Fprintf(tw, "OpenAPI\t-\t%s\n", runningCell(st.OpenAPIRunning))
	_ = tw.Flush()

	for _, e := range []struct {
		name, err string
		retries   int
	}{
		{"Frontend", st.FrontendError, st.FrontendRetries},
		{"Backend", st.BackendError, st.BackendRetries},
		{"OpenAPI", st.OpenAPIError, st.OpenAPIRetries},
	} {
		if e.err != "" {
			_, _ = fmt.Fprintln(w, errStyle.Render(fmt.Sprintf("%s failed: %s", e.name, e.err)))
		}
		if e.retries > 0 {
			_, _ = fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("%s restarted %d time(s)", e.name, e.retries)))
		}
	}
	_, _ = fmt.Fprintln(w)
	if rep.Supervisor != nil {
		_, _ = fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("Dev Server PID: %d", rep.Supervisor.PID)))
	}
	if st.BackendState != "" {
		_, _ = fmt.Fprintln(w, dimStyle.Render("Backend state: "+st.BackendState))
	}
	_, _ = fmt.Fprintln(w, dimStyle.Render("Use 'apx dev logs' to view logs or 'apx dev logs -f' to stream continuously."))
}

func portCell(p int) string {
	if p == 0 {
		return "-"
	}
	return strconv.Itoa(p)
}
