// Copyright 2020 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package data

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type MemoryTestSuite struct {
	baseTestSuite
}

func (suite *MemoryTestSuite) SetupSuite() {
	suite.Database = NewMemory()
}

func (suite *MemoryTestSuite) TearDownSuite() {
	suite.NoError(suite.Database.Close())
}

func TestMemory(t *testing.T) {
	suite.Run(t, new(MemoryTestSuite))
}
