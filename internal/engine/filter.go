package engine

// Filter defines criteria for log retrieval. Zero values mean
// "no constraint" for the respective field.
type Filter struct {
	MinTime int64  `json:"start_time"`
	MaxTime int64  `json:"end_time"`
	Level   uint8  `json:"level"`          // model level code; model.LevelUnset matches all
	Service string `json:"source_service"`
	Query   string `json:"q"` // LQL expression
}
