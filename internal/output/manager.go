package output

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobOutput is one transfer's slot in the live display.
type JobOutput struct {
	ID          string
	Name        string
	Status      string
	Message     string
	Progress    string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Err         error
	Index       int
}

type ErrorReport struct {
	Name string
	Err  error
	Time time.Time
}

// Manager multiplexes concurrent transfers onto one terminal region that is
// redrawn in place. All methods are safe to call from worker goroutines.
type Manager struct {
	mutex    sync.RWMutex
	jobs     map[string]*JobOutput
	order    int
	numLines int
	errors   []ErrorReport
	doneCh   chan struct{}
	tick     time.Duration
	wg       sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		jobs:   make(map[string]*JobOutput),
		doneCh: make(chan struct{}),
		tick:   300 * time.Millisecond,
	}
}

// Register adds a transfer to the display and returns its handle.
func (m *Manager) Register(name string) string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	id := uuid.NewString()
	m.order++
	m.jobs[id] = &JobOutput{
		ID:          id,
		Name:        name,
		Status:      "pending",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.order,
	}
	return id
}

func (m *Manager) SetStatus(id, status string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = status
		job.LastUpdated = time.Now()
	}
}

func (m *Manager) SetMessage(id, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Message = message
		job.LastUpdated = time.Now()
	}
}

// Progress renders the live line for a running transfer. A non-positive
// total means the length is unknown and only the byte count shows.
func (m *Manager) Progress(id string, done, total int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	if job.Status == "pending" {
		job.Status = "active"
	}
	elapsed := time.Since(job.StartTime)
	if total > 0 {
		job.Progress = fmt.Sprintf("%s %s %s %s %s %s",
			ProgressBar(done, total, 30),
			debugStyle.Render(FormatBytes(done)+" of "+FormatBytes(total)),
			StyleSymbols["bullet"],
			debugStyle.Render(FormatSpeed(done, elapsed)),
			StyleSymbols["bullet"],
			debugStyle.Render("ETA "+FormatETA(done, total, elapsed)))
	} else {
		job.Progress = fmt.Sprintf("%s %s %s",
			debugStyle.Render(FormatBytes(done)),
			StyleSymbols["bullet"],
			debugStyle.Render(FormatSpeed(done, elapsed)))
	}
	job.LastUpdated = time.Now()
}

func (m *Manager) Complete(id, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Progress = ""
		if message == "" {
			message = "Completed " + job.Name
		}
		job.Message = message
		job.Complete = true
		job.Status = "success"
		job.LastUpdated = time.Now()
	}
}

func (m *Manager) Fail(id string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Progress = ""
		job.Complete = true
		job.Status = "error"
		job.Err = err
		job.Message = "Failed " + job.Name
		job.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{Name: job.Name, Err: err, Time: time.Now()})
	}
}

// FailureCount reports how many transfers ended in error, for exit codes.
func (m *Manager) FailureCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.errors)
}

func (m *Manager) statusIndicator(status string) string {
	switch status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) sortJobs() (active, pending, completed []*JobOutput) {
	all := make([]*JobOutput, 0, len(m.jobs))
	for _, job := range m.jobs {
		all = append(all, job)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	for _, job := range all {
		switch {
		case job.Complete:
			completed = append(completed, job)
		case job.Status == "pending" && job.Message == "":
			pending = append(pending, job)
		default:
			active = append(active, job)
		}
	}
	return active, pending, completed
}

func (m *Manager) jobLine(job *JobOutput) string {
	elapsed := time.Since(job.StartTime)
	if job.Complete {
		elapsed = job.LastUpdated.Sub(job.StartTime)
	}
	message := job.Message
	if message == "" {
		message = job.Name
	}
	var styled string
	switch job.Status {
	case "success":
		styled = successStyle.Render(message)
	case "error":
		styled = errorStyle.Render(message)
	case "warning":
		styled = warningStyle.Render(message)
	default:
		styled = pendingStyle.Render(message)
	}
	return fmt.Sprintf("  %s %s %s", m.statusIndicator(job.Status),
		debugStyle.Render(elapsed.Round(time.Second).String()), styled)
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	availableLines := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", m.numLines)
	}

	active, pending, completed := m.sortJobs()
	lineCount := 0

	// Old finished transfers scroll away first when the terminal fills up.
	needed := len(completed) + len(pending) + 2*len(active)
	if needed > availableLines && len(completed) > 0 {
		keep := max(0, availableLines-(needed-len(completed)))
		if len(completed) > keep {
			completed = completed[len(completed)-keep:]
		}
	}
	if len(completed) > 10 {
		fmt.Printf("  %s\n", debugStyle.Render(fmt.Sprintf("%s %d earlier transfers hidden", StyleSymbols["bullet"], len(completed)-8)))
		completed = completed[len(completed)-8:]
		lineCount++
	}

	for _, job := range completed {
		if lineCount >= availableLines {
			break
		}
		fmt.Println(m.jobLine(job))
		lineCount++
	}
	for _, job := range active {
		if lineCount >= availableLines {
			break
		}
		fmt.Println(m.jobLine(job))
		lineCount++
		if job.Progress != "" && lineCount < availableLines {
			fmt.Printf("      %s\n", streamStyle.Render(job.Progress))
			lineCount++
		}
	}
	for _, job := range pending {
		if lineCount >= availableLines {
			break
		}
		fmt.Printf("  %s %s\n", m.statusIndicator(job.Status), pendingStyle.Render("Waiting..."))
		lineCount++
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.wg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("  " + errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Printf("    %s %s %s\n",
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(report.Time.Format("15:04:05")),
			errorStyle.Render(report.Name))
		for _, line := range wrapText(report.Err.Error(), 6) {
			fmt.Printf("      %s\n", errorStyle.Render(line))
		}
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Println()
	var succeeded, failed int
	for _, job := range m.jobs {
		switch job.Status {
		case "success":
			succeeded++
		case "error":
			failed++
		}
	}
	fmt.Println("  " + successStyle.Render(fmt.Sprintf("Completed %d of %d", succeeded, len(m.jobs))))
	if failed > 0 {
		fmt.Println("  " + errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, len(m.jobs))))
	}
	m.displayErrors()
	fmt.Println()
}
