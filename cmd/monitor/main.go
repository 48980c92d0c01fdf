package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
	sqlitestore "github.com/bingoto-dev/AI-Equity-Research/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "research.db", "sqlite db path")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate store: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()

	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	runsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	runsView.SetTitle("Runs").SetBorder(true)

	loopsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	loopsView.SetTitle("Loops").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Task Events").SetBorder(true)

	statusView := tview.NewTextView().SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Watching %s | F10 quit, F5 refresh", *dbPath))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(runsView, 0, 1, false).
		AddItem(loopsView, 0, 2, false).
		AddItem(eventsView, 0, 2, false)
	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, true).
		AddItem(right, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(statusView, 3, 0, false)

	var lastTasks []domain.Task
	var selectedTaskID string

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		tasks, tasksErr := store.ListTasks(ctx, 200)
		runs, runsErr := store.ListRuns(ctx, 20)
		events, eventsErr := store.ListRecentEvents(ctx, 100)

		var loops []domain.LoopState
		var loopsErr error
		if len(runs) > 0 {
			loops, loopsErr = store.ListLoopStates(ctx, runs[0].ID)
		}

		var taskEvents []domain.TaskEvent
		var taskEventsErr error
		if selectedTaskID != "" {
			taskEvents, taskEventsErr = store.ListTaskEvents(ctx, selectedTaskID, 100)
		}

		app.QueueUpdateDraw(func() {
			if tasksErr != nil {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", tasksErr)))
			} else {
				lastTasks = tasks
				renderTasksTable(tasksTable, tasks, selectedTaskID)
			}
			if runsErr != nil {
				runsView.SetText(fmt.Sprintf("error: %v", runsErr))
			} else {
				runsView.SetText(renderRuns(runs))
			}
			if loopsErr != nil {
				loopsView.SetText(fmt.Sprintf("error: %v", loopsErr))
			} else {
				loopsView.SetText(renderLoops(loops))
			}
			if selectedTaskID == "" {
				eventsView.SetText(renderEvents(events, eventsErr))
			} else {
				eventsView.SetText(renderEvents(taskEvents, taskEventsErr))
			}
		})
	}

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		go refresh()
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			return nil
		case tcell.KeyEscape:
			selectedTaskID = ""
			go refresh()
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(tasksTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Kind", "Status", "Attempts", "Updated", "Error"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Kind)))
		table.SetCell(row, 2, tview.NewTableCell(string(t.Status)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", t.Attempts)))
		table.SetCell(row, 4, tview.NewTableCell(t.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(t.LastError, 48)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderRuns(runs []domain.Run) string {
	if len(runs) == 0 {
		return "No runs"
	}
	var b strings.Builder
	for _, r := range runs {
		b.WriteString(fmt.Sprintf("[%s] %s loops=%d publishable=%t",
			r.StartedAt.Format("15:04:05"), r.Status, r.Loops, r.Publishable))
		if r.Reason != "" {
			b.WriteString(" reason=" + trimLine(r.Reason, 40))
		}
		b.WriteString("\n")
		for _, p := range r.FinalTop3 {
			b.WriteString(fmt.Sprintf("  %d. %-6s %.1f\n", p.Rank, p.Ticker, p.Conviction))
		}
	}
	return b.String()
}

func renderLoops(loops []domain.LoopState) string {
	if len(loops) == 0 {
		return "No loops"
	}
	var b strings.Builder
	for _, l := range loops {
		tickers := make([]string, len(l.Top3))
		for i, p := range l.Top3 {
			tickers[i] = p.Ticker
		}
		b.WriteString(fmt.Sprintf("loop %d: [%s] verdict=%s stability=%.2f",
			l.Loop, strings.Join(tickers, " "), l.Verdict.Reason, l.StabilityScore))
		if l.Degraded {
			b.WriteString(fmt.Sprintf(" degraded missing=%v", l.MissingAgents))
		}
		if !l.Publishable {
			b.WriteString(" NOT-PUBLISHABLE")
		}
		b.WriteString("\n")
		for _, d := range l.Decisions {
			b.WriteString(fmt.Sprintf("  slot %d %s %s (%s)\n", d.Slot, d.Verdict, d.Kept, d.Reason))
		}
	}
	return b.String()
}

func renderEvents(events []domain.TaskEvent, err error) string {
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if len(events) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(fmt.Sprintf("[%s] %s %s -> %s",
			ev.CreatedAt.Format("15:04:05"), shortID(ev.TaskID), ev.FromStatus, ev.ToStatus))
		if ev.Reason != "" {
			b.WriteString(" " + trimLine(ev.Reason, 40))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func trimLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
