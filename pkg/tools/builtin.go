package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/xuri/excelize/v2"

	"github.com/excelmanus/excelmanus/pkg/files"
)

// decodeArgs maps parsed arguments onto a typed struct. Unknown keys are
// ignored; the schema validation already rejected anything structural.
func decodeArgs(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("bad arguments: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// list_files
// ---------------------------------------------------------------------------

type listFilesArgs struct {
	// Dir optionally restricts the listing to one workspace subdirectory.
	Dir string `json:"dir,omitempty" jsonschema:"description=Optional workspace subdirectory to list"`
}

func listFilesHandler(_ context.Context, inv *Invocation) (string, error) {
	var args listFilesArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return "", err
	}

	var entries []*files.Entry
	var err error
	if inv.Env.Files != nil {
		entries, err = inv.Env.Files.ListActive()
	} else {
		// No registry in this deployment: list straight from disk.
		entries, err = files.ListFromDisk(inv.Env.Workspace.Root)
	}
	if err != nil {
		return "", fmt.Errorf("failed to list files: %w", err)
	}
	if args.Dir != "" {
		prefix := strings.TrimSuffix(args.Dir, "/") + "/"
		var filtered []*files.Entry
		for _, e := range entries {
			if strings.HasPrefix(e.Path, prefix) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	return files.BuildPanorama(entries), nil
}

// ---------------------------------------------------------------------------
// read_cells
// ---------------------------------------------------------------------------

type readCellsArgs struct {
	File  string `json:"file" jsonschema:"description=Workbook path or name,required"`
	Sheet string `json:"sheet,omitempty" jsonschema:"description=Sheet name; defaults to the first sheet"`
	Range string `json:"range,omitempty" jsonschema:"description=A1-style range like A1:D20; empty reads the whole sheet"`
}

func readCellsHandler(_ context.Context, inv *Invocation) (string, error) {
	var args readCellsArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return "", err
	}
	if args.File == "" {
		return "", fmt.Errorf("missing required argument: file")
	}

	relKey, err := inv.ResolvePath(args.File)
	if err != nil {
		return "", err
	}
	// Reads follow staged and copy-on-write content so the model sees its
	// own uncommitted writes.
	livePath := inv.Env.Tx.ResolveRead(relKey)

	book, err := excelize.OpenFile(livePath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", relKey, err)
	}
	defer book.Close()

	sheet := args.Sheet
	if sheet == "" {
		sheet = book.GetSheetName(0)
	}

	rows, err := book.GetRows(sheet)
	if err != nil {
		return "", fmt.Errorf("failed to read sheet %q of %s: %w", sheet, relKey, err)
	}

	startCol, startRow, endCol, endRow := 1, 1, -1, -1
	if args.Range != "" {
		startCol, startRow, endCol, endRow, err = parseRange(args.Range)
		if err != nil {
			return "", err
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s / %s", relKey, sheet)
	if args.Range != "" {
		fmt.Fprintf(&b, " [%s]", args.Range)
	}
	b.WriteString("\n")
	for r, row := range rows {
		rowNum := r + 1
		if rowNum < startRow || (endRow > 0 && rowNum > endRow) {
			continue
		}
		var cells []string
		for c, val := range row {
			colNum := c + 1
			if colNum < startCol || (endCol > 0 && colNum > endCol) {
				continue
			}
			cells = append(cells, val)
		}
		fmt.Fprintf(&b, "%d: %s\n", rowNum, strings.Join(cells, " | "))
	}
	if len(rows) == 0 {
		b.WriteString("(empty sheet)\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func parseRange(ref string) (startCol, startRow, endCol, endRow int, err error) {
	first, second, ok := strings.Cut(ref, ":")
	if !ok {
		second = first
	}
	startCol, startRow, err = excelize.CellNameToCoordinates(strings.TrimSpace(first))
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("invalid range %q: %w", ref, err)
	}
	endCol, endRow, err = excelize.CellNameToCoordinates(strings.TrimSpace(second))
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("invalid range %q: %w", ref, err)
	}
	return startCol, startRow, endCol, endRow, nil
}

// ---------------------------------------------------------------------------
// write_cells
// ---------------------------------------------------------------------------

type cellWrite struct {
	Cell  string `json:"cell" jsonschema:"description=A1-style cell reference,required"`
	Value any    `json:"value" jsonschema:"description=Value to write"`
}

type writeCellsArgs struct {
	File  string      `json:"file" jsonschema:"description=Workbook path or name,required"`
	Sheet string      `json:"sheet,omitempty" jsonschema:"description=Sheet name; defaults to the first sheet and is created if missing"`
	Cell  string      `json:"cell,omitempty" jsonschema:"description=Single cell to write; use cells for batches"`
	Value any         `json:"value,omitempty" jsonschema:"description=Value for the single-cell form"`
	Cells []cellWrite `json:"cells,omitempty" jsonschema:"description=Batch of cell writes"`
}

func writeCellsHandler(_ context.Context, inv *Invocation) (string, error) {
	var args writeCellsArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return "", err
	}
	if args.File == "" {
		return "", fmt.Errorf("missing required argument: file")
	}

	writes := args.Cells
	if args.Cell != "" {
		writes = append(writes, cellWrite{Cell: args.Cell, Value: args.Value})
	}
	if len(writes) == 0 {
		return "", fmt.Errorf("nothing to write: provide cell/value or cells")
	}

	relKey, err := inv.ResolvePath(args.File)
	if err != nil {
		return "", err
	}
	// All writes go through staging; the canonical file stays untouched
	// until the user keeps the result.
	target, err := inv.Env.Tx.ResolveWrite(relKey)
	if err != nil {
		return "", err
	}

	var book *excelize.File
	if _, statErr := os.Stat(target); statErr == nil {
		book, err = excelize.OpenFile(target)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", relKey, err)
		}
	} else {
		book = excelize.NewFile()
	}
	defer book.Close()

	sheet := args.Sheet
	if sheet == "" {
		sheet = book.GetSheetName(0)
	}
	if idx, _ := book.GetSheetIndex(sheet); idx < 0 {
		if _, err := book.NewSheet(sheet); err != nil {
			return "", fmt.Errorf("failed to create sheet %q: %w", sheet, err)
		}
	}

	for _, w := range writes {
		if err := book.SetCellValue(sheet, w.Cell, w.Value); err != nil {
			return "", fmt.Errorf("failed to write %s!%s: %w", sheet, w.Cell, err)
		}
	}
	if err := book.SaveAs(target); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", relKey, err)
	}

	inv.ReportWrite(relKey)
	registerOutput(inv, relKey, target)

	return fmt.Sprintf("wrote %d cell(s) to %s sheet %q (staged, not yet committed)",
		len(writes), relKey, sheet), nil
}

// registerOutput records a tool-produced file with provenance. Registration
// failures are logged inside the registry; the write itself already
// succeeded so they never fail the call.
func registerOutput(inv *Invocation, relKey, livePath string) {
	if inv.Env.Files == nil {
		return
	}
	info, err := os.Stat(livePath)
	if err != nil {
		return
	}
	inv.Env.Files.RegisterAgentOutput(relKey, info.Size(), "", info.ModTime(), files.Provenance{
		SessionID: inv.Env.SessionID,
		Turn:      inv.Turn,
		ToolName:  "write_cells",
	})
}

// ---------------------------------------------------------------------------
// rollback_to_turn
// ---------------------------------------------------------------------------

type rollbackArgs struct {
	Turn int `json:"turn" jsonschema:"description=Turn number to roll back to,required"`
}

func rollbackHandler(_ context.Context, inv *Invocation) (string, error) {
	var args rollbackArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return "", err
	}
	restored, err := inv.Env.Workspace.Versions.RollbackToTurn(args.Turn)
	if err != nil {
		return "", err
	}
	if len(restored) == 0 {
		return fmt.Sprintf("nothing to roll back for turn %d", args.Turn), nil
	}
	return fmt.Sprintf("rolled back %d file(s) to their state before turn %d: %s",
		len(restored), args.Turn, strings.Join(restored, ", ")), nil
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// Control-flow argument shapes. These tools are executed by dispatcher
// strategies; their schemas still come from here.

type runCodeArgs struct {
	Code string `json:"code" jsonschema:"description=Python source to execute in the sandbox,required"`
}

type askUserArgs struct {
	Question    string   `json:"question" jsonschema:"description=The question to show the user,required"`
	Header      string   `json:"header,omitempty" jsonschema:"description=Short title above the question"`
	Options     []string `json:"options,omitempty" jsonschema:"description=Predefined answer options"`
	MultiSelect bool     `json:"multi_select,omitempty" jsonschema:"description=Allow picking several options"`
}

type suggestModeSwitchArgs struct {
	Mode   string `json:"mode" jsonschema:"description=The mode to propose,required"`
	Reason string `json:"reason,omitempty" jsonschema:"description=Why the switch helps"`
}

type finishTaskArgs struct {
	Summary  string   `json:"summary" jsonschema:"description=What was accomplished,required"`
	TaskTags []string `json:"task_tags,omitempty" jsonschema:"description=Task characteristics such as cross_sheet or large_data"`
}

type delegateArgs struct {
	Role   string `json:"role" jsonschema:"description=Subagent role to delegate to,required"`
	Prompt string `json:"prompt" jsonschema:"description=Instructions for the subagent,required"`
}

type parallelDelegateArgs struct {
	Tasks []delegateArgs `json:"tasks" jsonschema:"description=Subagent tasks to run concurrently,required"`
}

type activateSkillArgs struct {
	Skill string `json:"skill" jsonschema:"description=Skill pack name to activate,required"`
}

type taskCreateArgs struct {
	Title string   `json:"title" jsonschema:"description=Plan title,required"`
	Steps []string `json:"steps,omitempty" jsonschema:"description=Ordered plan steps"`
}

type extractTableSpecArgs struct {
	Image string `json:"image" jsonschema:"description=Workspace path of the image to analyze,required"`
}

// RegisterBuiltins installs the standard toolset.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Tool{
		{
			Name:        "list_files",
			Description: "List the files in the workspace with sizes, sheet names and provenance.",
			Parameters:  SchemaFor(&listFilesArgs{}),
			WriteEffect: WriteNone,
			Scope:       "files",
			Handler:     listFilesHandler,
		},
		{
			Name:        "read_cells",
			Description: "Read cell values from a workbook sheet, optionally limited to an A1-style range.",
			Parameters:  SchemaFor(&readCellsArgs{}),
			WriteEffect: WriteNone,
			Scope:       "excel",
			Handler:     readCellsHandler,
		},
		{
			Name:        "write_cells",
			Description: "Write one or more cell values to a workbook sheet. Writes are staged and can be rolled back.",
			Parameters:  SchemaFor(&writeCellsArgs{}),
			WriteEffect: WriteWorkspace,
			Scope:       "excel",
			Audited:     true,
			Handler:     writeCellsHandler,
		},
		{
			Name:        "rollback_to_turn",
			Description: "Undo every file change made at or after the given turn.",
			Parameters:  SchemaFor(&rollbackArgs{}),
			WriteEffect: WriteDestructive,
			Scope:       "files",
			HighRisk:    true,
			Handler:     rollbackHandler,
		},
		{
			Name:        "run_code",
			Description: "Execute a Python snippet in the sandboxed workspace. Risky code needs approval.",
			Parameters:  SchemaFor(&runCodeArgs{}),
			WriteEffect: WriteWorkspace,
			Scope:       "code",
			Audited:     true,
		},
		{
			Name:        "ask_user",
			Description: "Ask the user a question and wait for their answer before continuing.",
			Parameters:  SchemaFor(&askUserArgs{}),
			WriteEffect: WriteNone,
			Scope:       "core",
		},
		{
			Name:        "suggest_mode_switch",
			Description: "Propose switching the session mode; the user accepts or declines.",
			Parameters:  SchemaFor(&suggestModeSwitchArgs{}),
			WriteEffect: WriteNone,
			Scope:       "core",
		},
		{
			Name:        "finish_task",
			Description: "Declare the task complete with a summary of what was done.",
			Parameters:  SchemaFor(&finishTaskArgs{}),
			WriteEffect: WriteNone,
			Scope:       "core",
		},
		{
			Name:        "delegate",
			Description: "Hand a subtask to a specialized subagent and wait for its result.",
			Parameters:  SchemaFor(&delegateArgs{}),
			WriteEffect: WriteWorkspace,
			Scope:       "core",
		},
		{
			Name:        "parallel_delegate",
			Description: "Run several subagent tasks concurrently and gather their results.",
			Parameters:  SchemaFor(&parallelDelegateArgs{}),
			WriteEffect: WriteWorkspace,
			Scope:       "core",
		},
		{
			Name:        "list_subagents",
			Description: "List the subagent roles available for delegation.",
			WriteEffect: WriteNone,
			Scope:       "core",
		},
		{
			Name:        "activate_skill",
			Description: "Switch the active skill pack for this session.",
			Parameters:  SchemaFor(&activateSkillArgs{}),
			WriteEffect: WriteNone,
			Scope:       "core",
		},
		{
			Name:        "task_create",
			Description: "Create a task plan. In plan mode this becomes a proposal for the user.",
			Parameters:  SchemaFor(&taskCreateArgs{}),
			WriteEffect: WriteNone,
			Scope:       "core",
		},
		{
			Name:        "extract_table_spec",
			Description: "Derive a table specification from an image of a spreadsheet.",
			Parameters:  SchemaFor(&extractTableSpecArgs{}),
			WriteEffect: WriteNone,
			Scope:       "vision",
		},
	}
	for _, t := range builtins {
		if err := r.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}
