package comfyui

import "encoding/json"

// defaultWorkflow is an SDXL text-to-image graph in ComfyUI's API format.
const defaultWorkflow = `{
  "1": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["4", 1]}},
  "2": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["4", 1]}},
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd_xl_base_1.0.safetensors"}},
  "5": {"class_type": "KSampler", "inputs": {
    "seed": 0, "steps": 28, "cfg": 6.5, "sampler_name": "euler_ancestral", "scheduler": "normal", "denoise": 1,
    "model": ["4", 0], "positive": ["1", 0], "negative": ["2", 0], "latent_image": ["9", 0]}},
  "7": {"class_type": "VAEDecode", "inputs": {"samples": ["5", 0], "vae": ["4", 2]}},
  "8": {"class_type": "SaveImage", "inputs": {"filename_prefix": "sharebook", "images": ["7", 0]}},
  "9": {"class_type": "EmptyLatentImage", "inputs": {"width": 832, "height": 1216, "batch_size": 1}}
}`

// DefaultWorkflow returns a new copy of the bundled workflow.
func DefaultWorkflow() map[string]any {
	return mustWorkflow([]byte(defaultWorkflow))
}

// LoadWorkflow parses an API-format workflow exported from ComfyUI. The returned function
// hands out independent copies.
func LoadWorkflow(data []byte) (func() map[string]any, error) {
	var graph map[string]any
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, err
	}
	raw := append([]byte(nil), data...)
	return func() map[string]any { return mustWorkflow(raw) }, nil
}

func mustWorkflow(data []byte) map[string]any {
	var wf map[string]any
	if err := json.Unmarshal(data, &wf); err != nil {
		panic(err)
	}
	return wf
}
