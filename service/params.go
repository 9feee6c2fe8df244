package service

import (
	"path/filepath"
	"strings"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/utils"
	"golang.org/x/xerrors"
)

// Params are the per request decode and load options, immutable once built
type Params struct {
	reqWidth                  int
	reqHeight                 int
	indispensable             bool
	sourceType                commons.SourceType
	interceptor               DecodeInterceptor
	skipSameKeyInSameConsumer bool
}

// GetRequestSize returns the requested decode size, 0 means original
func (params *Params) GetRequestSize() (int, int) {
	return params.reqWidth, params.reqHeight
}

func (params *Params) IsIndispensable() bool {
	return params.indispensable
}

// GetSourceType returns the forced source type, empty if it is derived from the resource id
func (params *Params) GetSourceType() commons.SourceType {
	return params.sourceType
}

func (params *Params) GetInterceptor() DecodeInterceptor {
	return params.interceptor
}

func (params *Params) IsSkipSameKeyInSameConsumer() bool {
	return params.skipSameKeyInSameConsumer
}

// ParamsBuilder builds Params
type ParamsBuilder struct {
	params Params
}

func NewParamsBuilder() *ParamsBuilder {
	return &ParamsBuilder{}
}

func (builder *ParamsBuilder) SetRequestSize(width int, height int) *ParamsBuilder {
	builder.params.reqWidth = width
	builder.params.reqHeight = height
	return builder
}

func (builder *ParamsBuilder) SetIndispensable(indispensable bool) *ParamsBuilder {
	builder.params.indispensable = indispensable
	return builder
}

func (builder *ParamsBuilder) SetSourceType(sourceType commons.SourceType) *ParamsBuilder {
	builder.params.sourceType = sourceType
	return builder
}

func (builder *ParamsBuilder) SetInterceptor(interceptor DecodeInterceptor) *ParamsBuilder {
	builder.params.interceptor = interceptor
	return builder
}

func (builder *ParamsBuilder) SetSkipSameKeyInSameConsumer(skip bool) *ParamsBuilder {
	builder.params.skipSameKeyInSameConsumer = skip
	return builder
}

// Build validates and returns a copy of the params
func (builder *ParamsBuilder) Build() (*Params, error) {
	if builder.params.reqWidth < 0 || builder.params.reqHeight < 0 {
		return nil, xerrors.Errorf("invalid request size %dx%d", builder.params.reqWidth, builder.params.reqHeight)
	}

	params := builder.params
	return &params, nil
}

// DetectSourceType derives the source type from the scheme of the resource id
func DetectSourceType(resourceID string) commons.SourceType {
	switch utils.GetScheme(resourceID) {
	case "http", "https":
		return commons.SourceTypeHTTP
	case "file":
		return commons.SourceTypeLocalFile
	case "irods":
		return commons.SourceTypeIRODS
	case "":
		if filepath.IsAbs(resourceID) {
			return commons.SourceTypeLocalFile
		}
	}
	return commons.SourceTypeUnknown
}

// GetLocalPath returns the file path of a local resource id
func GetLocalPath(resourceID string) string {
	if strings.HasPrefix(strings.ToLower(resourceID), "file://") {
		return utils.StripScheme(resourceID)
	}
	return resourceID
}

// NewTaskInfo computes the keys of a request
func NewTaskInfo(resourceID string, params *Params) *commons.TaskInfo {
	sourceType := params.GetSourceType()
	if len(sourceType) == 0 {
		sourceType = DetectSourceType(resourceID)
	}

	width, height := params.GetRequestSize()
	diskKey := utils.MakeHash(resourceID)

	return &commons.TaskInfo{
		ResourceID:    resourceID,
		SourceType:    sourceType,
		DiskKey:       diskKey,
		MemoryKey:     utils.MakeMemoryKey(diskKey, width, height),
		Indispensable: params.IsIndispensable(),
		Phase:         commons.TaskPhaseMemoryCache,
	}
}
