package engine

import (
	"encoding/json"

	"github.com/memorose/engine/pkg/model"
	"github.com/memorose/engine/pkg/textindex"
	"github.com/memorose/engine/pkg/vectorstore"
)

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func unitToRow(u model.MemoryUnit) vectorstore.Row {
	return vectorstore.Row{
		ID:              u.ID,
		UserID:          u.UserID,
		AppID:           u.AppID,
		StreamID:        u.StreamID,
		Content:         u.Content,
		Level:           uint8(u.Level),
		TransactionTime: u.TransactionTime,
		ValidTime:       u.ValidTime,
		Vector:          u.Embedding,
	}
}

func unitToDoc(u model.MemoryUnit) textindex.Document {
	return textindex.Document{
		ID:              u.ID,
		UserID:          u.UserID,
		AppID:           u.AppID,
		StreamID:        u.StreamID,
		Content:         u.Content,
		Level:           uint64(u.Level),
		TransactionTime: u.TransactionTime,
		ValidTime:       u.ValidTime,
	}
}
