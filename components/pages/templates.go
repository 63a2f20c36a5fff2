// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package pages

// Templates are formatted by fmt, so literal percent signs are doubled.

const indexHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <title>Piping Server</title>
  <meta name="viewport" content="width=device-width,initial-scale=1">
  <meta charset="UTF-8">
  <style>
    h1 { display: inline; }
    h3 { margin-top: 2em; margin-bottom: 0.5em; }
  </style>
</head>
<body>
<h1>Piping Server</h1>
<span id="version">%s</span>

<p>Streaming Data Transfer Server over HTTP/HTTPS</p>
<noscript><a href="./noscript">Upload without JavaScript</a></noscript>
<h3>Step 1: Choose a file or text</h3>

<input type="checkbox" id="text_mode" onchange="toggleInputMode()">: <b>Text mode</b><br><br>

<input type="file" id="file_input">
<textarea id="text_input" placeholder="Input text" cols="30" rows="10"></textarea>
<br>

<h3>Step 2: Write your secret path</h3>
(e.g. "abcd1234", "mysecret.png")<br>
<input id="secret_path" placeholder="Secret path" size="50"><br>
<h3>Step 3: Click the send button</h3>
<button onclick="send()">Send</button><br>
<progress id="progress_bar" value="0" max="100" style="display: none"></progress><br>
<div id="message"></div>
<hr>
<a href="./help">Command-line usage</a><br>
<script>
  var toggleInputMode = (function () {
    var activeInput      = window.file_input;
    var deactivatedInput = window.text_input;
    function setInputs() {
      activeInput.removeAttribute("disabled");
      activeInput.style.removeProperty("display");
      deactivatedInput.setAttribute("disabled", "");
      deactivatedInput.style.display = "none";
    }
    setInputs();
    return function () {
      var tmpInput     = activeInput;
      activeInput      = deactivatedInput;
      deactivatedInput = tmpInput;
      setInputs();
    };
  })();
  function setMessage(msg) {
    window.message.innerText = msg;
  }
  function setProgress(loaded, total) {
    var progress = (total === 0) ? 0 : loaded / total * 100;
    window.progress_bar.value = progress;
    setMessage(loaded + "B (" + progress.toFixed(2) + "%%)");
  }
  function hideProgress() {
    window.progress_bar.style.display = "none";
  }
  function send() {
    var body = window.text_mode.checked ? window.text_input.value : window.file_input.files[0];
    var xhr = new XMLHttpRequest();
    var path = location.href.replace(/\/$/, '') + "/" + window.secret_path.value;
    xhr.open("POST", path, true);
    if (!window.text_mode.checked && body.type === "") {
      xhr.setRequestHeader("Content-Type", "application/octet-stream");
    }
    xhr.upload.onprogress = function (e) {
      setProgress(e.loaded, e.total);
    };
    xhr.upload.onload = function (e) {
      if (xhr.status === 200) {
        setProgress(e.loaded, e.total);
      }
    };
    xhr.onload = function () {
      if (xhr.status !== 200) {
        setMessage(xhr.responseText);
        hideProgress();
      }
    };
    xhr.onerror = function () {
      setMessage("Upload error");
      hideProgress();
    };
    xhr.send(body);
    window.progress_bar.style.removeProperty("display");
  }
</script>
</body>
</html>
`

const noScriptHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <title>File transfer without JavaScript</title>
  <meta name="viewport" content="width=device-width,initial-scale=1">
  <meta charset="UTF-8">
</head>
<body>
<h2>File transfer without JavaScript</h2>
<form method="GET" action="./noscript">
  <h3>Step 1: Specify path</h3>
  <input name="path" id="path" value="%[1]s">
  <input type="submit" value="Apply">
</form>
<form method="POST" action="./%[1]s" enctype="multipart/form-data">
  <h3>Step 2: Choose a file</h3>
  <input type="file" name="input_file" id="input_file">
  <h3>Step 3: Send</h3>
  <input type="submit" value="Send" id="send">
</form>
</body>
</html>
`

const helpTemplate = `Help for Piping Server %[1]s

======= Get  =======
curl %[2]s/mypath

======= Send =======
# Send a file
curl -T myfile %[2]s/mypath

# Send a text
echo 'hello!' | curl -T - %[2]s/mypath

# Send a directory (zip)
zip -q -r - ./mydir | curl -T - %[2]s/mypath

# Send a directory (tar.gz)
tar zfcp - ./mydir | curl -T - %[2]s/mypath

# Send to 2 receivers
curl -T myfile '%[2]s/mypath?n=2'

# Encryption
## Send
cat myfile | openssl aes-256-cbc | curl -T - %[2]s/mypath
## Get
curl %[2]s/mypath | openssl aes-256-cbc -d
`
