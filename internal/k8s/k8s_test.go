package k8s_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// K8s resource types for YAML parsing. Only the fields the tests read.

type Metadata struct {
	Name        string            `yaml:"name"`
	Namespace   string            `yaml:"namespace"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type Container struct {
	Image          string          `yaml:"image"`
	Args           []string        `yaml:"args"`
	Ports          []ContainerPort `yaml:"ports"`
	EnvFrom        []EnvFromSource `yaml:"envFrom"`
	Resources      Resources       `yaml:"resources"`
	ReadinessProbe *Probe          `yaml:"readinessProbe"`
	LivenessProbe  *Probe          `yaml:"livenessProbe"`
	VolumeMounts   []VolumeMount   `yaml:"volumeMounts"`
}

type ContainerPort struct {
	ContainerPort int `yaml:"containerPort"`
}

type EnvFromSource struct {
	ConfigMapRef *struct {
		Name string `yaml:"name"`
	} `yaml:"configMapRef"`
}

type Resources struct {
	Requests ResourceList `yaml:"requests"`
	Limits   ResourceList `yaml:"limits"`
}

type ResourceList struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

type Probe struct {
	HTTPGet *struct {
		Path string `yaml:"path"`
		Port int    `yaml:"port"`
	} `yaml:"httpGet"`
}

type VolumeMount struct {
	MountPath string `yaml:"mountPath"`
}

type PodTemplateSpec struct {
	Spec struct {
		Containers []Container `yaml:"containers"`
	} `yaml:"spec"`
}

type DeploymentSpec struct {
	Replicas int             `yaml:"replicas"`
	Template PodTemplateSpec `yaml:"template"`
}

type StatefulSetSpec struct {
	ServiceName string          `yaml:"serviceName"`
	Replicas    int             `yaml:"replicas"`
	Template    PodTemplateSpec `yaml:"template"`
}

type ServiceSpec struct {
	Selector map[string]string `yaml:"selector"`
	Ports    []struct {
		Port int `yaml:"port"`
	} `yaml:"ports"`
	ClusterIP string `yaml:"clusterIP"`
}

type IngressPath struct {
	Path    string `yaml:"path"`
	Backend struct {
		Service struct {
			Name string `yaml:"name"`
			Port struct {
				Number int `yaml:"number"`
			} `yaml:"port"`
		} `yaml:"service"`
	} `yaml:"backend"`
}

type IngressSpec struct {
	Rules []struct {
		HTTP struct {
			Paths []IngressPath `yaml:"paths"`
		} `yaml:"http"`
	} `yaml:"rules"`
}

type PVCSpec struct {
	AccessModes []string `yaml:"accessModes"`
	Resources   struct {
		Requests struct {
			Storage string `yaml:"storage"`
		} `yaml:"requests"`
	} `yaml:"resources"`
}

type K8sResource struct {
	Kind     string            `yaml:"kind"`
	Metadata Metadata          `yaml:"metadata"`
	Data     map[string]string `yaml:"data"`
	Spec     yaml.Node         `yaml:"spec"`
}

func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..")
}

func k8sDir() string {
	return filepath.Join(projectRoot(), "k8s")
}

var manifests = []string{
	"namespace.yaml",
	"configmap.yaml",
	"zonechat.yaml",
	"redis.yaml",
	"ingress.yaml",
}

func readManifest(t *testing.T, filename string) []K8sResource {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(k8sDir(), filename))
	if err != nil {
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	var resources []K8sResource
	docs := strings.Split(string(data), "---")
	for _, doc := range docs {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		var r K8sResource
		if err := yaml.Unmarshal([]byte(doc), &r); err != nil {
			t.Fatalf("failed to parse %s: %v", filename, err)
		}
		resources = append(resources, r)
	}
	return resources
}

func findKind(t *testing.T, filename, kind string) K8sResource {
	t.Helper()
	for _, r := range readManifest(t, filename) {
		if r.Kind == kind {
			return r
		}
	}
	t.Fatalf("%s should contain a %s", filename, kind)
	return K8sResource{}
}

func decodeSpec(t *testing.T, node yaml.Node, target any) {
	t.Helper()
	if err := node.Decode(target); err != nil {
		t.Fatalf("failed to decode spec: %v", err)
	}
}

func TestManifestFilesExist(t *testing.T) {
	for _, f := range manifests {
		path := filepath.Join(k8sDir(), f)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Errorf("missing manifest: k8s/%s", f)
		}
	}
}

func TestNamespace(t *testing.T) {
	resources := readManifest(t, "namespace.yaml")
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}
	ns := resources[0]
	if ns.Kind != "Namespace" {
		t.Errorf("expected Namespace kind, got %s", ns.Kind)
	}
	if ns.Metadata.Name != "zonechat" {
		t.Errorf("expected namespace name zonechat, got %s", ns.Metadata.Name)
	}
}

func TestConfigMap(t *testing.T) {
	cm := findKind(t, "configmap.yaml", "ConfigMap")
	if cm.Data["ZONECHAT_SERVER_ADDR"] != ":8080" {
		t.Errorf("expected ZONECHAT_SERVER_ADDR :8080, got %s", cm.Data["ZONECHAT_SERVER_ADDR"])
	}
	if cm.Data["ZONECHAT_REDIS_ADDR"] != "redis:6379" {
		t.Errorf("expected ZONECHAT_REDIS_ADDR redis:6379, got %s", cm.Data["ZONECHAT_REDIS_ADDR"])
	}
	// Keys without the prefix are never read by the config loader.
	for key := range cm.Data {
		if !strings.HasPrefix(key, "ZONECHAT_") {
			t.Errorf("configmap key %q lacks the ZONECHAT_ prefix", key)
		}
	}
}

func TestServerDeployment(t *testing.T) {
	deploy := findKind(t, "zonechat.yaml", "Deployment")

	var spec DeploymentSpec
	decodeSpec(t, deploy.Spec, &spec)

	// Room membership is process-local, so a second replica would split rooms.
	if spec.Replicas != 1 {
		t.Errorf("server should run exactly 1 replica, got %d", spec.Replicas)
	}
	if len(spec.Template.Spec.Containers) != 1 {
		t.Fatalf("expected 1 container, got %d", len(spec.Template.Spec.Containers))
	}

	c := spec.Template.Spec.Containers[0]
	if !strings.Contains(c.Image, "zonechat") {
		t.Errorf("container image should contain 'zonechat', got %s", c.Image)
	}
	if len(c.Args) == 0 || c.Args[0] != "serve" {
		t.Errorf("container should run the serve command, got %v", c.Args)
	}
	if c.Ports[0].ContainerPort != 8080 {
		t.Errorf("expected container port 8080, got %d", c.Ports[0].ContainerPort)
	}
	for name, probe := range map[string]*Probe{"readiness": c.ReadinessProbe, "liveness": c.LivenessProbe} {
		if probe == nil || probe.HTTPGet == nil {
			t.Errorf("server should have an HTTP %s probe", name)
			continue
		}
		if probe.HTTPGet.Path != "/health" {
			t.Errorf("%s probe should check /health, got %s", name, probe.HTTPGet.Path)
		}
	}
	if c.Resources.Requests.CPU == "" || c.Resources.Requests.Memory == "" {
		t.Error("server should have resource requests")
	}
	if c.Resources.Limits.CPU == "" || c.Resources.Limits.Memory == "" {
		t.Error("server should have resource limits")
	}
	if len(c.EnvFrom) == 0 || c.EnvFrom[0].ConfigMapRef == nil || c.EnvFrom[0].ConfigMapRef.Name != "zonechat-config" {
		t.Error("server should reference zonechat-config via envFrom")
	}
}

func TestServerService(t *testing.T) {
	svc := findKind(t, "zonechat.yaml", "Service")

	var spec ServiceSpec
	decodeSpec(t, svc.Spec, &spec)

	if spec.Ports[0].Port != 8080 {
		t.Errorf("service port should be 8080, got %d", spec.Ports[0].Port)
	}
	if spec.Selector["app.kubernetes.io/component"] != "server" {
		t.Error("service selector should target the server component")
	}
}

func TestRedisStatefulSet(t *testing.T) {
	sts := findKind(t, "redis.yaml", "StatefulSet")

	var spec StatefulSetSpec
	decodeSpec(t, sts.Spec, &spec)

	if spec.Replicas != 1 {
		t.Errorf("redis should have exactly 1 replica, got %d", spec.Replicas)
	}
	if spec.ServiceName != "redis" {
		t.Errorf("redis statefulset serviceName should be redis, got %s", spec.ServiceName)
	}

	c := spec.Template.Spec.Containers[0]
	if !strings.HasPrefix(c.Image, "redis:") {
		t.Errorf("redis image should start with redis:, got %s", c.Image)
	}
	if c.Ports[0].ContainerPort != 6379 {
		t.Errorf("expected container port 6379, got %d", c.Ports[0].ContainerPort)
	}
	if c.ReadinessProbe == nil || c.LivenessProbe == nil {
		t.Error("redis should have readiness and liveness probes")
	}
	if c.Resources.Requests.Memory == "" {
		t.Error("redis should have memory resource requests")
	}

	hasDataMount := false
	for _, vm := range c.VolumeMounts {
		if vm.MountPath == "/data" {
			hasDataMount = true
		}
	}
	if !hasDataMount {
		t.Error("redis should mount /data volume")
	}
}

func TestRedisService(t *testing.T) {
	svc := findKind(t, "redis.yaml", "Service")

	var spec ServiceSpec
	decodeSpec(t, svc.Spec, &spec)

	if spec.Ports[0].Port != 6379 {
		t.Errorf("redis service port should be 6379, got %d", spec.Ports[0].Port)
	}
	if spec.ClusterIP != "None" {
		t.Error("redis service should be headless (clusterIP: None)")
	}
}

func TestRedisPVC(t *testing.T) {
	pvc := findKind(t, "redis.yaml", "PersistentVolumeClaim")

	var spec PVCSpec
	decodeSpec(t, pvc.Spec, &spec)

	if len(spec.AccessModes) == 0 || spec.AccessModes[0] != "ReadWriteOnce" {
		t.Error("PVC should have ReadWriteOnce access mode")
	}
	if spec.Resources.Requests.Storage == "" {
		t.Error("PVC should request storage")
	}
}

func TestIngress(t *testing.T) {
	ing := findKind(t, "ingress.yaml", "Ingress")

	var spec IngressSpec
	decodeSpec(t, ing.Spec, &spec)

	if len(spec.Rules) == 0 {
		t.Fatal("ingress should have at least one rule")
	}

	pathMap := make(map[string]IngressPath)
	for _, p := range spec.Rules[0].HTTP.Paths {
		pathMap[p.Path] = p
	}

	for _, path := range []string{"/api", "/locations", "/ws"} {
		p, ok := pathMap[path]
		if !ok {
			t.Errorf("ingress should route %s", path)
			continue
		}
		if p.Backend.Service.Name != "zonechat" || p.Backend.Service.Port.Number != 8080 {
			t.Errorf("%s should route to zonechat:8080", path)
		}
	}
}

func TestIngressWebSocketAnnotations(t *testing.T) {
	ing := findKind(t, "ingress.yaml", "Ingress")

	if ing.Metadata.Annotations == nil {
		t.Fatal("ingress should have annotations for WebSocket support")
	}
	if _, ok := ing.Metadata.Annotations["nginx.ingress.kubernetes.io/proxy-read-timeout"]; !ok {
		t.Error("ingress should have proxy-read-timeout annotation for WebSocket support")
	}
}

func TestAllResourcesInNamespace(t *testing.T) {
	for _, f := range manifests[1:] {
		for _, r := range readManifest(t, f) {
			if r.Metadata.Namespace != "zonechat" {
				t.Errorf("%s: %s %s should be in zonechat namespace, got %q",
					f, r.Kind, r.Metadata.Name, r.Metadata.Namespace)
			}
		}
	}
}

func TestAllResourcesHaveLabels(t *testing.T) {
	for _, f := range manifests {
		for _, r := range readManifest(t, f) {
			if _, ok := r.Metadata.Labels["app.kubernetes.io/name"]; !ok {
				t.Errorf("%s: %s %s should have app.kubernetes.io/name label",
					f, r.Kind, r.Metadata.Name)
			}
		}
	}
}
