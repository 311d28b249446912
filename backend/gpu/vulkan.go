//go:build !nogpu

package gpu

// Register the Vulkan hal backend.
import _ "github.com/gogpu/wgpu/hal/vulkan"
