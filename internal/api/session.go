package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/m2menc/internal/api/models"
	"github.com/smazurov/m2menc/internal/encoder"
)

func (s *Server) registerSessionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/session",
		Summary:     "Session status",
		Description: "State, negotiated format and counters of the encoder session",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 503},
	}, func(_ context.Context, _ *struct{}) (*models.SessionResponse, error) {
		if s.options.Controller == nil {
			return nil, huma.Error503ServiceUnavailable("no encoder session")
		}
		return &models.SessionResponse{Body: sessionData(s.options.Controller.Stats())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-bitrate",
		Method:      http.MethodPut,
		Path:        "/api/session/bitrate",
		Summary:     "Set bitrate",
		Description: "Change the target bitrate of the running session",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 409, 422, 502, 503},
	}, func(_ context.Context, input *models.BitrateRequest) (*models.BitrateResponse, error) {
		if s.options.Controller == nil {
			return nil, huma.Error503ServiceUnavailable("no encoder session")
		}
		if err := s.options.Controller.SetBitrate(input.Body.Bitrate); err != nil {
			return nil, encoderHTTPError(err)
		}
		s.logger.Info("Bitrate changed via API", "bitrate", input.Body.Bitrate)
		return &models.BitrateResponse{Body: input.Body}, nil
	})
}

func sessionData(st encoder.Stats) models.SessionData {
	data := models.SessionData{
		State:             st.State.String(),
		Codec:             st.Codec,
		FramesSubmitted:   st.FramesSubmitted,
		PacketsEmitted:    st.PacketsEmitted,
		FrameErrors:       st.FrameErrors,
		PendingFrames:     st.PendingFrames,
		InputOutstanding:  st.InputOutstanding,
		OutputOutstanding: st.OutputOutstanding,
	}
	if st.Format.Width > 0 {
		data.Format = &models.FormatData{
			Width:       st.Format.Width,
			Height:      st.Format.Height,
			PixelFormat: string(st.Format.PixelFormat),
			FourCC:      st.Format.FourCC,
			Codec:       string(st.Format.Codec),
			Profile:     st.Format.Profile,
			Level:       st.Format.Level,
		}
	}
	return data
}

func encoderHTTPError(err error) error {
	switch {
	case errors.Is(err, encoder.ErrInvalidParams):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, encoder.ErrSessionClosed):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, encoder.ErrDeviceIO):
		return huma.Error502BadGateway(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
