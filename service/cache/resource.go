package cache

// ImageResource is a decoded image, opaque to the caches
type ImageResource interface{}

// ResourceHandler measures, validates and releases image resources
type ResourceHandler interface {
	ByteSizeOf(resource ImageResource) int64
	// IsValid returns false once the resource was released or invalidated elsewhere
	IsValid(resource ImageResource) bool
	// Release frees the resource, returns false if it was already released
	Release(resource ImageResource) bool
}
