// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file bakes guardrail_catalogue.yaml into the binary. The built-in policy
categories and PII patterns therefore travel with the executable and cannot be
changed on the host without recompiling.
*/
package enforcement

import (
	_ "embed"
)

// GuardrailCatalogue holds the raw bytes of 'guardrail_catalogue.yaml'.
//
// Usage:
//
//	err := yaml.Unmarshal(enforcement.GuardrailCatalogue, &targetStruct)
//
//go:embed guardrail_catalogue.yaml
var GuardrailCatalogue []byte
