package httpapi

import "net/http"

type uiSettingsResponse struct {
	AvatarName         string `json:"avatar_name"`
	Quality            string `json:"quality"`
	VideoEncoding      string `json:"video_encoding"`
	STTLanguage        string `json:"stt_language"`
	OpeningText        string `json:"opening_text"`
	AdaptiveStream     bool   `json:"adaptive_stream"`
	SelectiveSubscribe bool   `json:"selective_subscribe"`
	InactivityTTLMS    int64  `json:"inactivity_ttl_ms"`
}

func (s *Server) handleUISettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, uiSettingsResponse{
		AvatarName:         s.cfg.AvatarName,
		Quality:            s.cfg.Quality,
		VideoEncoding:      s.cfg.VideoEncoding,
		STTLanguage:        s.cfg.STTLanguage,
		OpeningText:        s.cfg.OpeningText,
		AdaptiveStream:     s.cfg.AdaptiveStream,
		SelectiveSubscribe: s.cfg.SelectiveSubscribe,
		InactivityTTLMS:    s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}
