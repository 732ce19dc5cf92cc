package hub

// StrokeRelay forwards drawing samples to the rest of a room. It keeps no
// canvas state: each sample is relayed once, in order, and forgotten.
type StrokeRelay struct {
	emit emitFunc
}

func newStrokeRelay(emit emitFunc) *StrokeRelay {
	return &StrokeRelay{emit: emit}
}

// Relay sends one stroke sample to every subscriber of roomID except the
// sender. Samples are not buffered or coalesced.
func (s *StrokeRelay) Relay(roomID, senderConnID string, point StrokePoint) int {
	return s.emit(roomID, senderConnID, KindDrawingPoint, point)
}

// Clear tells every other subscriber of roomID to discard its local raster.
func (s *StrokeRelay) Clear(roomID, senderConnID string) int {
	return s.emit(roomID, senderConnID, KindClearCanvas, nil)
}
