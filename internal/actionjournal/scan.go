package actionjournal

import "fmt"

type scannable interface {
	Scan(dest ...any) error
}

func scanAction(row scannable) (Action, error) {
	var (
		a           Action
		sessionID   *string
		arguments   string
		succeeded   int64
		errText     *string
		latencyMS   *int64
		metadata    string
	)
	if err := row.Scan(&a.ID, &sessionID, &a.ToolName, &arguments, &succeeded, &errText, &latencyMS, &metadata, &a.CreatedAt); err != nil {
		return Action{}, fmt.Errorf("scan action: %w", err)
	}
	a.SessionID = sessionID
	a.Succeeded = intToBool(succeeded)
	a.Error = errText
	a.LatencyMS = latencyMS

	args, err := unmarshalMetadata(arguments)
	if err != nil {
		return Action{}, fmt.Errorf("unmarshal arguments: %w", err)
	}
	a.Arguments = args

	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return Action{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	a.Metadata = meta
	return a, nil
}
