package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/m2menc/internal/api/models"
)

func (s *Server) registerDeviceRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/api/devices",
		Summary:     "List encoders",
		Description: "Hardware memory-to-memory encoders found on this host",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(_ context.Context, _ *struct{}) (*models.DevicesResponse, error) {
		found, err := s.options.ListDevices()
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list encoders", err)
		}
		out := make([]models.DeviceData, 0, len(found))
		for _, d := range found {
			out = append(out, models.DeviceData{
				Path:   d.Path,
				Name:   d.Name,
				Driver: d.Driver,
				ID:     d.ID,
				Codecs: d.Codecs,
			})
		}
		return &models.DevicesResponse{
			Body: models.DevicesData{Devices: out, Count: len(out)},
		}, nil
	})
}
