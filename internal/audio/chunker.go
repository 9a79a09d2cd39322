package audio

// MaxChunkDuration bounds one transcription chunk in seconds.
const MaxChunkDuration = 10.0

// Chunk is a span of contiguous voice segments packed for one transcription
// request. Segments keeps the original voice segments so transcript
// timestamps can be mapped back to the full timeline.
type Chunk struct {
	Index     int            `json:"index"`
	StartTime float64        `json:"start_time"`
	EndTime   float64        `json:"end_time"`
	Duration  float64        `json:"duration"`
	Segments  []VoiceSegment `json:"segments"`
}

// PackChunks greedily packs voice segments into chunks. A segment joins the
// current chunk while the chunk's span (segment end minus first segment
// start) stays within MaxChunkDuration; otherwise it starts a new chunk.
// Segments longer than MaxChunkDuration become their own chunk.
func PackChunks(segments []VoiceSegment) []Chunk {
	var chunks []Chunk
	var cur *Chunk

	for _, seg := range segments {
		if cur != nil && seg.EndTime-cur.StartTime <= MaxChunkDuration {
			cur.EndTime = seg.EndTime
			cur.Segments = append(cur.Segments, seg)
			continue
		}
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			StartTime: seg.StartTime,
			EndTime:   seg.EndTime,
			Segments:  []VoiceSegment{seg},
		})
		cur = &chunks[len(chunks)-1]
	}

	for i := range chunks {
		chunks[i].Duration = chunks[i].EndTime - chunks[i].StartTime
	}
	return chunks
}
