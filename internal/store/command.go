package store

import "encoding/json"

func marshalCommand(c Command) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalCommand(s string) (Command, error) {
	var c Command
	if s == "" {
		return c, nil
	}
	err := json.Unmarshal([]byte(s), &c)
	return c, err
}

// DecodeCommand unmarshals a Job's stored command_json, giving callers
// outside this package (Processor) the encoder argv without exposing the
// raw column.
func DecodeCommand(job Job) (Command, error) {
	if job.CommandJSON == nil {
		return Command{}, nil
	}
	return unmarshalCommand(*job.CommandJSON)
}
