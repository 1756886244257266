package model

// ImageMetadata is the subset of OME pixel metadata carried by an image.
type ImageMetadata struct {
	Name              string   `json:"name,omitempty"`
	SizeX             int      `json:"size_x"`
	SizeY             int      `json:"size_y"`
	SizeZ             int      `json:"size_z"`
	SizeC             int      `json:"size_c"`
	SizeT             int      `json:"size_t"`
	PhysicalSizeX     float64  `json:"physical_size_x"`
	PhysicalSizeXUnit string   `json:"physical_size_x_unit"`
	PhysicalSizeY     float64  `json:"physical_size_y,omitempty"`
	PhysicalSizeYUnit string   `json:"physical_size_y_unit,omitempty"`
	DimensionOrder    string   `json:"dimension_order,omitempty"`
	PixelType         string   `json:"type,omitempty"`
	Channels          []string `json:"channels,omitempty"`
	Extra             Extra    `json:"extra,omitempty"`
}

// Validate checks the fields every image must carry.
func (m ImageMetadata) Validate() error {
	if m.SizeX == 0 && m.SizeY == 0 && m.PhysicalSizeX == 0 && m.PhysicalSizeXUnit == "" {
		return Integrityf("image metadata is empty: pixel information is required")
	}
	switch {
	case m.SizeX <= 0:
		return Integrityf("image metadata is missing fields: size_x must be positive, got %d", m.SizeX)
	case m.SizeY <= 0:
		return Integrityf("image metadata is missing fields: size_y must be positive, got %d", m.SizeY)
	case m.PhysicalSizeX <= 0:
		return Integrityf("image metadata is missing fields: physical_size_x must be positive, got %v", m.PhysicalSizeX)
	case m.PhysicalSizeXUnit == "":
		return Integrityf("image metadata is missing fields: physical_size_x_unit is required")
	}
	return nil
}

// MaxDim returns the larger spatial dimension.
func (m ImageMetadata) MaxDim() int {
	return max(m.SizeX, m.SizeY)
}

// Cropped returns a copy describing a crop of the given extent.
func (m ImageMetadata) Cropped(width, height int) ImageMetadata {
	out := m
	out.SizeX, out.SizeY = width, height
	return out
}
